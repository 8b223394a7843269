package poller

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// SFTPSource lists and fetches files from a remote SFTP directory.
type SFTPSource struct {
	Addr       string
	User       string
	Password   string
	PrivateKey []byte // optional, overrides Password if set
	Dir        string
	DialTimeout time.Duration
}

// List connects, globs Dir/globPattern, and returns lazily-fetchable
// RemoteFile entries. Each call opens a fresh connection — poll ticks are
// infrequent (default 5 min) so connection reuse is not worth the
// complexity of a long-lived session across ticks.
func (s *SFTPSource) List(ctx context.Context, globPattern string) ([]RemoteFile, error) {
	client, closeFn, err := s.dial()
	if err != nil {
		return nil, fmt.Errorf("sftp dial: %w", err)
	}
	defer closeFn()

	pattern := path.Join(s.Dir, globPattern)
	matches, err := client.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("sftp glob %q: %w", pattern, err)
	}

	out := make([]RemoteFile, 0, len(matches))
	for _, m := range matches {
		info, err := client.Stat(m)
		if err != nil || info.IsDir() {
			continue
		}
		remotePath := m
		out = append(out, RemoteFile{
			Name:       path.Base(m),
			Path:       remotePath,
			Size:       info.Size(),
			ModifiedAt: info.ModTime(),
			Fetch: func(ctx context.Context) ([]byte, error) {
				return s.fetch(remotePath)
			},
		})
	}
	return out, nil
}

func (s *SFTPSource) fetch(remotePath string) ([]byte, error) {
	return s.Get(context.Background(), remotePath)
}

// Get fetches one remote file by path. Exported so a one-shot SFTP
// connector node can share dial/auth handling with the directory-watching
// poller rather than duplicating it.
func (s *SFTPSource) Get(ctx context.Context, remotePath string) ([]byte, error) {
	client, closeFn, err := s.dial()
	if err != nil {
		return nil, fmt.Errorf("sftp dial: %w", err)
	}
	defer closeFn()

	f, err := client.Open(remotePath)
	if err != nil {
		return nil, fmt.Errorf("sftp open %q: %w", remotePath, err)
	}
	defer f.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, f); err != nil {
		return nil, fmt.Errorf("sftp read %q: %w", remotePath, err)
	}
	return buf.Bytes(), nil
}

// Put writes content to remotePath, creating or truncating the file.
func (s *SFTPSource) Put(ctx context.Context, remotePath string, content []byte) error {
	client, closeFn, err := s.dial()
	if err != nil {
		return fmt.Errorf("sftp dial: %w", err)
	}
	defer closeFn()

	f, err := client.Create(remotePath)
	if err != nil {
		return fmt.Errorf("sftp create %q: %w", remotePath, err)
	}
	defer f.Close()

	if _, err := f.Write(content); err != nil {
		return fmt.Errorf("sftp write %q: %w", remotePath, err)
	}
	return nil
}

func (s *SFTPSource) dial() (*sftp.Client, func(), error) {
	var auth []ssh.AuthMethod
	if len(s.PrivateKey) > 0 {
		signer, err := ssh.ParsePrivateKey(s.PrivateKey)
		if err != nil {
			return nil, nil, fmt.Errorf("parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	} else {
		auth = append(auth, ssh.Password(s.Password))
	}

	cfg := &ssh.ClientConfig{
		User:            s.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // operator-supplied hosts; the server's host key is not verified
		Timeout:         s.DialTimeout,
	}

	conn, err := ssh.Dial("tcp", s.Addr, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("ssh dial %q: %w", s.Addr, err)
	}

	client, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("sftp client: %w", err)
	}

	return client, func() {
		client.Close()
		conn.Close()
	}, nil
}
