package agent

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/jiawesoft/jiascheduler-sub000/internal/bridge"
)

// Sftp implements scheduler.SftpService by logging into the target host
// over SSH per operation. The agent acts as a jump point: the target is
// whatever the request names, usually the agent's own host.
type Sftp struct {
	log *zap.Logger
}

func NewSftp(logger *zap.Logger) *Sftp {
	return &Sftp{log: logger.Named("sftp")}
}

// dial opens an SSH and SFTP session to the endpoint in p. The caller
// closes both.
func (s *Sftp) dial(p bridge.SftpConnParams) (*ssh.Client, *sftp.Client, error) {
	port := p.Port
	if port == 0 {
		port = 22
	}
	cfg := &ssh.ClientConfig{
		User: p.User,
		Auth: []ssh.AuthMethod{ssh.Password(p.Password)},
		// Targets are operator-managed hosts addressed by IP; there is no
		// key registry to verify against.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}
	addr := fmt.Sprintf("%s:%d", p.IP, port)
	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("agent: ssh dial %s: %w", addr, err)
	}
	sc, err := sftp.NewClient(client)
	if err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("agent: sftp session %s: %w", addr, err)
	}
	return client, sc, nil
}

// ReadDir lists dirPath on the target, defaulting to the login user's home
// directory when the path is empty.
func (s *Sftp) ReadDir(_ context.Context, p bridge.SftpReadDirParams) ([]bridge.FileEntry, error) {
	client, sc, err := s.dial(p.SftpConnParams)
	if err != nil {
		return nil, err
	}
	defer client.Close()
	defer sc.Close()

	dir := p.DirPath
	if dir == "" {
		dir, err = sc.Getwd()
		if err != nil {
			return nil, fmt.Errorf("agent: sftp getwd: %w", err)
		}
	}
	infos, err := sc.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("agent: sftp read dir %s: %w", dir, err)
	}

	entries := make([]bridge.FileEntry, 0, len(infos))
	for _, info := range infos {
		entries = append(entries, bridge.FileEntry{
			FileName:    info.Name(),
			FileType:    fileType(info),
			Permissions: info.Mode().String(),
			Size:        info.Size(),
			Modified:    info.ModTime(),
		})
	}
	return entries, nil
}

// Upload writes data to filePath on the target, creating parent
// directories as needed.
func (s *Sftp) Upload(_ context.Context, p bridge.SftpUploadParams) error {
	client, sc, err := s.dial(p.SftpConnParams)
	if err != nil {
		return err
	}
	defer client.Close()
	defer sc.Close()

	if dir := path.Dir(p.FilePath); dir != "." && dir != "/" {
		if err := sc.MkdirAll(dir); err != nil {
			return fmt.Errorf("agent: sftp mkdir %s: %w", dir, err)
		}
	}
	f, err := sc.Create(p.FilePath)
	if err != nil {
		return fmt.Errorf("agent: sftp create %s: %w", p.FilePath, err)
	}
	defer f.Close()
	if _, err := f.Write(p.Data); err != nil {
		return fmt.Errorf("agent: sftp write %s: %w", p.FilePath, err)
	}
	return nil
}

// Download reads filePath from the target.
func (s *Sftp) Download(_ context.Context, p bridge.SftpDownloadParams) ([]byte, error) {
	client, sc, err := s.dial(p.SftpConnParams)
	if err != nil {
		return nil, err
	}
	defer client.Close()
	defer sc.Close()

	f, err := sc.Open(p.FilePath)
	if err != nil {
		return nil, fmt.Errorf("agent: sftp open %s: %w", p.FilePath, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("agent: sftp read %s: %w", p.FilePath, err)
	}
	return data, nil
}

// Remove deletes filePath on the target, recursively for directories.
func (s *Sftp) Remove(_ context.Context, p bridge.SftpRemoveParams) error {
	client, sc, err := s.dial(p.SftpConnParams)
	if err != nil {
		return err
	}
	defer client.Close()
	defer sc.Close()

	info, err := sc.Stat(p.FilePath)
	if err != nil {
		return fmt.Errorf("agent: sftp stat %s: %w", p.FilePath, err)
	}
	if info.IsDir() {
		if err := sc.RemoveAll(p.FilePath); err != nil {
			return fmt.Errorf("agent: sftp remove dir %s: %w", p.FilePath, err)
		}
		return nil
	}
	if err := sc.Remove(p.FilePath); err != nil {
		return fmt.Errorf("agent: sftp remove %s: %w", p.FilePath, err)
	}
	return nil
}

func fileType(info os.FileInfo) string {
	switch {
	case info.IsDir():
		return "dir"
	case info.Mode()&os.ModeSymlink != 0:
		return "link"
	default:
		return "file"
	}
}
