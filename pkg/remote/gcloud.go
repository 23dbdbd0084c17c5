package remote

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/absconda/absconda/pkg/config"
	"github.com/absconda/absconda/pkg/runner"
)

// gcloudTransport reaches GCP instances through gcloud compute ssh/scp with
// IAP tunneling, where a direct TCP dial is usually blocked. Context transfer
// falls back to a tarball since there is no SFTP channel to delta-sync over.
type gcloudTransport struct {
	def config.BuilderDefinition
	run runner.CommandRunner
	log Logger
}

func newGcloudTransport(def config.BuilderDefinition, run runner.CommandRunner, log Logger) *gcloudTransport {
	return &gcloudTransport{def: def, run: run, log: log}
}

func (t *gcloudTransport) Exec(ctx context.Context, command string, sink runner.LineSink) (int, error) {
	argv := []string{
		"gcloud", "compute", "ssh", t.def.Host,
		"--zone=" + t.def.Zone,
		"--project=" + t.def.Project,
		"--tunnel-through-iap",
		"--command=bash -lc " + shellQuote(command),
	}
	return t.run.Run(ctx, argv, sink)
}

func (t *gcloudTransport) Push(ctx context.Context, bc *BuildContext, remoteDir string, checksum bool) (PushStats, error) {
	var stats PushStats

	tarball, err := writeContextTarball(bc)
	if err != nil {
		return stats, err
	}
	defer os.Remove(tarball)

	remoteTar := remoteDir + ".tar.gz"
	argv := []string{
		"gcloud", "compute", "scp", tarball,
		fmt.Sprintf("%s:%s", t.def.Host, remoteTar),
		"--zone=" + t.def.Zone,
		"--project=" + t.def.Project,
		"--tunnel-through-iap",
	}
	code, err := t.run.Run(ctx, argv, nil)
	if err != nil {
		return stats, err
	}
	if code != 0 {
		return stats, &ExecError{Command: "gcloud compute scp", ExitCode: code}
	}

	// Recreate the directory from scratch; the tarball is complete, so stale
	// files from an earlier preserved context cannot survive.
	extract := fmt.Sprintf("set -euo pipefail && rm -rf %s && mkdir -p %s && tar -xzf %s -C %s && rm -f %s",
		shellQuote(remoteDir), shellQuote(remoteDir), shellQuote(remoteTar), shellQuote(remoteDir), shellQuote(remoteTar))
	code, err = t.Exec(ctx, extract, nil)
	if err != nil {
		return stats, err
	}
	if code != 0 {
		return stats, &ExecError{Command: "extract context tarball", ExitCode: code}
	}

	stats.Uploaded = len(bc.Entries)
	return stats, nil
}

func (t *gcloudTransport) Close() error { return nil }

func writeContextTarball(bc *BuildContext) (string, error) {
	tmp, err := os.CreateTemp("", "absconda-context-*.tar.gz")
	if err != nil {
		return "", err
	}
	defer tmp.Close()

	gz := gzip.NewWriter(tmp)
	tw := tar.NewWriter(gz)
	for _, entry := range bc.Entries {
		hdr := &tar.Header{
			Name:    entry.Rel,
			Size:    entry.Size,
			Mode:    int64(entry.Mode),
			ModTime: entry.Mtime,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			os.Remove(tmp.Name())
			return "", err
		}
		src, err := entry.open()
		if err != nil {
			os.Remove(tmp.Name())
			return "", err
		}
		if _, err := io.Copy(tw, src); err != nil {
			src.Close()
			os.Remove(tmp.Name())
			return "", err
		}
		src.Close()
	}
	if err := tw.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := gz.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}

var _ Transport = (*gcloudTransport)(nil)
