package fuse

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"

	"github.com/objectfs/filetable/pkg/errors"
)

// MountManager manages FUSE mount operations
type MountManager struct {
	filesystem *FileSystem
	config     *MountConfig
	log        *zap.Logger

	mu      sync.Mutex
	server  *fuse.Server
	mounted bool
}

// MountConfig contains mount-specific configuration
type MountConfig struct {
	MountPoint   string        `yaml:"mount_point"`
	FSName       string        `yaml:"fs_name"`
	AllowOther   bool          `yaml:"allow_other"`
	Debug        bool          `yaml:"debug"`
	AttrTimeout  time.Duration `yaml:"attr_timeout"`
	EntryTimeout time.Duration `yaml:"entry_timeout"`
}

// NewMountManager creates a new mount manager
func NewMountManager(filesystem *FileSystem, config *MountConfig, log *zap.Logger) *MountManager {
	if config == nil {
		config = &MountConfig{}
	}
	if config.FSName == "" {
		config.FSName = "filetable"
	}
	if config.AttrTimeout == 0 {
		config.AttrTimeout = time.Second
	}
	if config.EntryTimeout == 0 {
		config.EntryTimeout = time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &MountManager{
		filesystem: filesystem,
		config:     config,
		log:        log.Named("mount"),
	}
}

func mountError(msg string) *errors.Error {
	return errors.NewError(errors.ErrCodeInvalidArgument, msg).WithComponent("fuse").WithOperation("mount")
}

// Mount mounts the filesystem at the configured mount point and serves it
// in the background.
func (m *MountManager) Mount(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mounted {
		return mountError("filesystem is already mounted")
	}
	if err := m.validateMountPoint(); err != nil {
		return err
	}

	server, err := fs.Mount(m.config.MountPoint, m.filesystem.Root(), m.buildFUSEOptions())
	if err != nil {
		return errors.NewError(errors.ErrCodeInternalError, "failed to mount filesystem").
			WithComponent("fuse").
			WithOperation("mount").
			WithDetail("mount_point", m.config.MountPoint).
			WithCause(err)
	}

	m.server = server
	m.mounted = true
	m.log.Info("filesystem mounted", zap.String("mount_point", m.config.MountPoint))

	go func() {
		server.Wait()
		m.mu.Lock()
		m.mounted = false
		m.mu.Unlock()
		m.log.Info("FUSE server stopped", zap.String("mount_point", m.config.MountPoint))
	}()

	return nil
}

// Unmount unmounts the filesystem, falling back to a lazy unmount.
func (m *MountManager) Unmount() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.mounted || m.server == nil {
		return errors.NewError(errors.ErrCodeInvalidState, "filesystem is not mounted").
			WithComponent("fuse").
			WithOperation("unmount")
	}

	if err := m.server.Unmount(); err != nil {
		m.log.Warn("unmount failed, trying lazy unmount", zap.Error(err))
		if forceErr := m.forceUnmount(); forceErr != nil {
			return errors.NewError(errors.ErrCodeInternalError, "unmount failed").
				WithComponent("fuse").
				WithOperation("unmount").
				WithDetail("force_error", forceErr.Error()).
				WithCause(err)
		}
	}

	m.mounted = false
	m.server = nil
	m.log.Info("filesystem unmounted", zap.String("mount_point", m.config.MountPoint))
	return nil
}

// IsMounted reports whether the filesystem is currently mounted
func (m *MountManager) IsMounted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mounted
}

// GetMountPoint returns the configured mount point
func (m *MountManager) GetMountPoint() string {
	return m.config.MountPoint
}

// Wait blocks until the server stops
func (m *MountManager) Wait() {
	m.mu.Lock()
	server := m.server
	m.mu.Unlock()
	if server != nil {
		server.Wait()
	}
}

func (m *MountManager) validateMountPoint() error {
	if m.config.MountPoint == "" {
		return mountError("mount point cannot be empty")
	}

	info, err := os.Stat(m.config.MountPoint)
	if err != nil {
		return mountError("cannot access mount point").
			WithDetail("mount_point", m.config.MountPoint).
			WithCause(err)
	}
	if !info.IsDir() {
		return mountError("mount point is not a directory").WithDetail("mount_point", m.config.MountPoint)
	}

	entries, err := os.ReadDir(m.config.MountPoint)
	if err != nil {
		return mountError("cannot read mount point directory").WithCause(err)
	}
	if len(entries) > 0 {
		m.log.Warn("mount point is not empty", zap.String("mount_point", m.config.MountPoint))
	}

	if m.isAlreadyMounted() {
		return mountError("mount point is already mounted").WithDetail("mount_point", m.config.MountPoint)
	}
	return nil
}

func (m *MountManager) buildFUSEOptions() *fs.Options {
	return &fs.Options{
		MountOptions: fuse.MountOptions{
			Name:       m.config.FSName,
			FsName:     m.config.FSName,
			Debug:      m.config.Debug,
			AllowOther: m.config.AllowOther,
		},
		AttrTimeout:  &m.config.AttrTimeout,
		EntryTimeout: &m.config.EntryTimeout,
	}
}

// isAlreadyMounted looks the mount point up in /proc/mounts. It reports
// false where that file does not exist.
func (m *MountManager) isAlreadyMounted() bool {
	file, err := os.Open("/proc/mounts")
	if err != nil {
		return false
	}
	defer file.Close()

	mountPoint := filepath.Clean(m.config.MountPoint)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) > 1 && fields[1] == mountPoint {
			return true
		}
	}
	return false
}

func (m *MountManager) forceUnmount() error {
	// MNT_DETACH
	if err := syscall.Unmount(m.config.MountPoint, 2); err == nil {
		return nil
	}
	// MNT_FORCE
	return syscall.Unmount(m.config.MountPoint, 1)
}
