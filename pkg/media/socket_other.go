//go:build !linux && !darwin && !freebsd && !netbsd && !openbsd

package media

func setVoiceSockOpts(fd, dscp int) {}
