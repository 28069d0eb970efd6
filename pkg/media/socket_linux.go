//go:build linux

package media

import (
	"golang.org/x/sys/unix"
)

// setVoiceSockOpts выставляет приоритет сокета и DSCP маркировку для голоса.
// В контейнерах без CAP_NET_ADMIN часть опций не применяется, это не ошибка.
func setVoiceSockOpts(fd, dscp int) {
	// 6 соответствует интерактивному аудио
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_PRIORITY, 6)

	if dscp <= 0 {
		return
	}
	// DSCP находится в старших 6 битах TOS поля
	tos := dscp << 2
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TOS, tos)
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)
}
