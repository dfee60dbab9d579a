/*
Package fuse serves an in-memory file tree over FUSE with go-fuse, using the
file table for every open file.

Each FUSE open acquires a filetable.File for the calling process, installs
it and attaches it to the FUSE file handle. The kernel's release of the
handle drops that reference, which tears the file down and queues its
record for reclamation. Reads and writes go through the file's operation
table, so a file whose write access was revoked by SetReadOnly keeps
reading but fails writes with EROFS.

# Errno mapping

	filetable.ErrResourceLimitExceeded  ENFILE
	filetable.ErrOutOfMemory            ENOMEM
	filetable.ErrValidationDenied       EACCES
	vfs.ErrReadOnly, ErrWriteRevoked    EROFS
	vfs.ErrWriteDenied                  ETXTBSY
	filetable.ErrNotSupported           ENOTSUP
	filetable.ErrTableClosed            ESHUTDOWN
	locks.ErrWouldBlock                 EAGAIN
	filetable.ErrInvalidArgument        EINVAL
	anything else                       EIO

# Usage

	fsys := fuse.NewFileSystem(table, notifier, lockMgr, nil, logger)
	fsys.AddFile("motd", []byte("hello\n"))

	mgr := fuse.NewMountManager(fsys, &fuse.MountConfig{MountPoint: "/mnt/ft"}, logger)
	if err := mgr.Mount(ctx); err != nil {
		return err
	}
	defer mgr.Unmount()

Files must be added before mounting; later additions come only from Create.
POSIX record locks and flock(2) are served by the locks package, and open,
access, modify and close events are reported through fsnotify.
*/
package fuse
