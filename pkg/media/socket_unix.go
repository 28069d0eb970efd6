//go:build darwin || freebsd || netbsd || openbsd

package media

import (
	"golang.org/x/sys/unix"
)

// setVoiceSockOpts выставляет DSCP маркировку, SO_PRIORITY здесь нет
func setVoiceSockOpts(fd, dscp int) {
	if dscp <= 0 {
		return
	}
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TOS, dscp<<2)
}
