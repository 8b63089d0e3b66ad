//go:build darwin || freebsd || netbsd || openbsd

package logger

import "golang.org/x/sys/unix"

// The BSDs and macOS read terminal attributes with TIOCGETA.
const ioctlReadTermios = unix.TIOCGETA
