package remote

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/absconda/absconda/pkg/config"
	"github.com/absconda/absconda/pkg/runner"
)

// Logger is the minimal logging surface used by this package. *slog.Logger
// satisfies it.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// PushStats summarizes one context sync.
type PushStats struct {
	Uploaded int
	Skipped  int
	Deleted  int
}

// Transport moves context files to a builder and runs commands on it. The
// exit code of Exec is the sole success signal for remote commands.
type Transport interface {
	Exec(ctx context.Context, command string, sink runner.LineSink) (int, error)
	Push(ctx context.Context, bc *BuildContext, remoteDir string, checksum bool) (PushStats, error)
	Close() error
}

// DialTransport opens the transport matching the builder's provider: native
// SSH/SFTP for generic hosts, gcloud subprocesses for GCP instances reached
// through IAP.
func DialTransport(def config.BuilderDefinition, run runner.CommandRunner, log Logger) (Transport, error) {
	if def.Provider == config.ProviderGCP {
		return newGcloudTransport(def, run, log), nil
	}
	return dialSSH(def, log)
}

// syncManifestName records the size/mtime/hash of every file from the last
// push, so the next push only transfers what changed.
const syncManifestName = ".absconda-sync.json"

type syncRecord struct {
	Size   int64  `json:"size"`
	Mtime  int64  `json:"mtime"`
	SHA256 string `json:"sha256,omitempty"`
}

type sshTransport struct {
	client *ssh.Client
	files  *sftp.Client
	log    Logger
}

func dialSSH(def config.BuilderDefinition, log Logger) (*sshTransport, error) {
	auth, err := buildAuthMethods(def)
	if err != nil {
		return nil, err
	}
	user := def.User
	if user == "" {
		user = os.Getenv("USER")
	}
	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         30 * time.Second,
	}
	addr := fmt.Sprintf("%s:%d", def.Host, def.SSHPort)
	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", addr, err)
	}
	files, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("open sftp session: %w", err)
	}
	return &sshTransport{client: client, files: files, log: log}, nil
}

func buildAuthMethods(def config.BuilderDefinition) ([]ssh.AuthMethod, error) {
	if def.SSHKey != "" {
		data, err := os.ReadFile(def.SSHKey)
		if err != nil {
			return nil, fmt.Errorf("read ssh key %q: %w", def.SSHKey, err)
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("parse ssh key %q: %w", def.SSHKey, err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}
	signer, err := defaultPrivateKeySigner()
	if err != nil {
		return nil, fmt.Errorf("no ssh key configured and no default key found: %w", err)
	}
	return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
}

func defaultPrivateKeySigner() (ssh.Signer, error) {
	if path := strings.TrimSpace(os.Getenv("ABSCONDA_SSH_KEY")); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return ssh.ParsePrivateKey(data)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	for _, name := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
		data, err := os.ReadFile(filepath.Join(home, ".ssh", name))
		if err != nil {
			continue
		}
		signer, parseErr := ssh.ParsePrivateKey(data)
		if parseErr != nil {
			continue
		}
		return signer, nil
	}
	return nil, errors.New("no usable private key in ~/.ssh")
}

func (t *sshTransport) Exec(ctx context.Context, command string, sink runner.LineSink) (int, error) {
	sess, err := t.client.NewSession()
	if err != nil {
		return 0, err
	}
	defer sess.Close()

	stdout, err := sess.StdoutPipe()
	if err != nil {
		return 0, err
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		return 0, err
	}

	if err := sess.Start("bash -lc " + shellQuote(command)); err != nil {
		return 0, err
	}

	streamed := make(chan struct{})
	go scanLines(stdout, sink, streamed)
	go scanLines(stderr, sink, streamed)

	done := make(chan error, 1)
	go func() {
		<-streamed
		<-streamed
		done <- sess.Wait()
	}()

	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		return 0, ctx.Err()
	case err := <-done:
		if err != nil {
			var exitErr *ssh.ExitError
			if errors.As(err, &exitErr) {
				return exitErr.ExitStatus(), nil
			}
			return 0, err
		}
	}
	return 0, nil
}

func scanLines(pipe io.Reader, sink runner.LineSink, done chan<- struct{}) {
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if sink != nil {
			sink(scanner.Text())
		}
	}
	done <- struct{}{}
}

// Push mirrors the context into remoteDir over SFTP. Unchanged files (judged
// by size and mtime, or content hash with checksum) are skipped, and remote
// files no longer present locally are deleted so earlier builds cannot leak
// into this one.
func (t *sshTransport) Push(ctx context.Context, bc *BuildContext, remoteDir string, checksum bool) (PushStats, error) {
	var stats PushStats
	if err := t.files.MkdirAll(remoteDir); err != nil {
		return stats, fmt.Errorf("create remote dir %q: %w", remoteDir, err)
	}

	previous := t.readSyncManifest(remoteDir)
	next := make(map[string]syncRecord, len(bc.Entries))
	wanted := make(map[string]bool, len(bc.Entries))

	for _, entry := range bc.Entries {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		wanted[entry.Rel] = true

		prev, seen := previous[entry.Rel]
		var localHash string
		if checksum || entry.Path == "" {
			h, err := entry.contentHash()
			if err != nil {
				return stats, fmt.Errorf("hash %q: %w", entry.Rel, err)
			}
			localHash = h
		}

		if seen && prev.Size == entry.Size && upToDate(prev, entry, localHash) {
			next[entry.Rel] = prev
			stats.Skipped++
			continue
		}

		uploadedHash, err := t.uploadFile(remoteDir, &entry)
		if err != nil {
			return stats, fmt.Errorf("upload %q: %w", entry.Rel, err)
		}
		if localHash == "" {
			localHash = uploadedHash
		}
		next[entry.Rel] = syncRecord{Size: entry.Size, Mtime: entry.Mtime.Unix(), SHA256: localHash}
		stats.Uploaded++
	}

	deleted, err := t.deleteStale(remoteDir, wanted)
	if err != nil {
		return stats, err
	}
	stats.Deleted = deleted

	if err := t.writeSyncManifest(remoteDir, next); err != nil {
		return stats, err
	}
	return stats, nil
}

func upToDate(prev syncRecord, entry fileEntry, localHash string) bool {
	if localHash != "" {
		return prev.SHA256 == localHash
	}
	return prev.Mtime == entry.Mtime.Unix()
}

func (t *sshTransport) uploadFile(remoteDir string, entry *fileEntry) (string, error) {
	target := path.Join(remoteDir, entry.Rel)
	if dir := path.Dir(target); dir != remoteDir {
		if err := t.files.MkdirAll(dir); err != nil {
			return "", err
		}
	}
	src, err := entry.open()
	if err != nil {
		return "", err
	}
	defer src.Close()

	dst, err := t.files.Create(target)
	if err != nil {
		return "", err
	}
	h := newHashWriter()
	if _, err := io.Copy(io.MultiWriter(dst, h), src); err != nil {
		dst.Close()
		return "", err
	}
	if err := dst.Chmod(entry.Mode); err != nil {
		dst.Close()
		return "", err
	}
	if err := dst.Close(); err != nil {
		return "", err
	}
	if err := t.files.Chtimes(target, entry.Mtime, entry.Mtime); err != nil {
		return "", err
	}
	return h.sum(), nil
}

func (t *sshTransport) deleteStale(remoteDir string, wanted map[string]bool) (int, error) {
	deleted := 0
	walker := t.files.Walk(remoteDir)
	var staleFiles []string
	for walker.Step() {
		if walker.Err() != nil {
			continue
		}
		if walker.Stat().IsDir() {
			continue
		}
		rel, err := filepath.Rel(remoteDir, walker.Path())
		if err != nil {
			continue
		}
		rel = filepath.ToSlash(rel)
		if rel == syncManifestName || wanted[rel] {
			continue
		}
		staleFiles = append(staleFiles, walker.Path())
	}
	for _, stale := range staleFiles {
		if err := t.files.Remove(stale); err != nil {
			return deleted, fmt.Errorf("delete stale remote file %q: %w", stale, err)
		}
		t.log.Info("deleted stale remote file", "path", stale)
		deleted++
	}
	return deleted, nil
}

func (t *sshTransport) readSyncManifest(remoteDir string) map[string]syncRecord {
	f, err := t.files.Open(path.Join(remoteDir, syncManifestName))
	if err != nil {
		return nil
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil
	}
	var records map[string]syncRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil
	}
	return records
}

func (t *sshTransport) writeSyncManifest(remoteDir string, records map[string]syncRecord) error {
	payload, err := json.Marshal(records)
	if err != nil {
		return err
	}
	f, err := t.files.Create(path.Join(remoteDir, syncManifestName))
	if err != nil {
		return err
	}
	if _, err := f.Write(payload); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (t *sshTransport) Close() error {
	if t.files != nil {
		t.files.Close()
	}
	if t.client != nil {
		return t.client.Close()
	}
	return nil
}

type hashWriter struct{ h hash.Hash }

func newHashWriter() *hashWriter { return &hashWriter{h: sha256.New()} }

func (w *hashWriter) Write(p []byte) (int, error) { return w.h.Write(p) }

func (w *hashWriter) sum() string { return hex.EncodeToString(w.h.Sum(nil)) }

// shellQuote single-quotes a payload for safe embedding in bash -lc.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

var _ Transport = (*sshTransport)(nil)
