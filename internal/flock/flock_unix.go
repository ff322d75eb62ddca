//go:build !windows

package flock

import "syscall"

func (l *Lock) acquire() error {
	l.mu.Lock() // held until release; serializes goroutines in-process

	fd, err := syscall.Open(l.path, syscall.O_CREAT|syscall.O_RDWR, 0600)
	if err != nil {
		l.mu.Unlock()
		return err
	}

	err = syscall.Flock(fd, syscall.LOCK_EX|syscall.LOCK_NB)
	for err == syscall.EWOULDBLOCK || err == syscall.EAGAIN || err == syscall.EINTR {
		err = syscall.Flock(fd, syscall.LOCK_EX)
	}
	if err != nil {
		syscall.Close(fd)
		l.mu.Unlock()
		return err
	}

	l.fd = fd
	return nil
}

func (l *Lock) release() error {
	err := syscall.Flock(l.fd, syscall.LOCK_UN)
	if cerr := syscall.Close(l.fd); cerr != nil && err == nil {
		err = cerr
	}
	l.mu.Unlock()
	return err
}
