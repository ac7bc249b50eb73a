package scheduler

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/jiawesoft/jiascheduler-sub000/internal/bridge"
)

// SftpService performs file operations against an SSH endpoint on behalf
// of the console. The agent injects its implementation; a nil service
// rejects SFTP requests.
type SftpService interface {
	ReadDir(ctx context.Context, p bridge.SftpReadDirParams) ([]bridge.FileEntry, error)
	Upload(ctx context.Context, p bridge.SftpUploadParams) error
	Download(ctx context.Context, p bridge.SftpDownloadParams) ([]byte, error)
	Remove(ctx context.Context, p bridge.SftpRemoveParams) error
}

// Handle is the agent's bridge request handler. Every outcome is wrapped
// in the {code,msg,data} envelope the comet relays verbatim.
func (s *Scheduler) Handle(ctx context.Context, _ *bridge.Conn, req *bridge.Request) json.RawMessage {
	v, err := s.handle(ctx, req)
	if err != nil {
		s.log.Warn("request failed", zap.String("kind", req.Kind()), zap.Error(err))
		return bridge.Fail(err)
	}
	return bridge.Success(v)
}

func (s *Scheduler) handle(ctx context.Context, req *bridge.Request) (any, error) {
	switch {
	case req.DispatchJob != nil:
		return s.DispatchJob(ctx, req.DispatchJob)
	case req.RuntimeAction != nil:
		return s.RuntimeAction(ctx, req.RuntimeAction)
	case req.SftpReadDir != nil:
		if s.sftp == nil {
			return nil, fmt.Errorf("scheduler: sftp not available")
		}
		return s.sftp.ReadDir(ctx, *req.SftpReadDir)
	case req.SftpUpload != nil:
		if s.sftp == nil {
			return nil, fmt.Errorf("scheduler: sftp not available")
		}
		if err := s.sftp.Upload(ctx, *req.SftpUpload); err != nil {
			return nil, err
		}
		return "upload success", nil
	case req.SftpDownload != nil:
		if s.sftp == nil {
			return nil, fmt.Errorf("scheduler: sftp not available")
		}
		return s.sftp.Download(ctx, *req.SftpDownload)
	case req.SftpRemove != nil:
		if s.sftp == nil {
			return nil, fmt.Errorf("scheduler: sftp not available")
		}
		if err := s.sftp.Remove(ctx, *req.SftpRemove); err != nil {
			return nil, err
		}
		return "remove success", nil
	default:
		return nil, fmt.Errorf("scheduler: unsupported request %s", req.Kind())
	}
}
