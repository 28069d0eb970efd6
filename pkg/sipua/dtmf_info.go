package sipua

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	"github.com/arzzra/hasip/pkg/media"
)

const (
	contentTypeDTMFRelay = "application/dtmf-relay"
	contentTypeDTMF      = "application/dtmf"
)

// dtmfRelayBody тело SIP INFO для одной цифры
func dtmfRelayBody(d media.DTMFDigit) []byte {
	ms := int(media.DefaultDTMFDuration.Milliseconds())
	return []byte(fmt.Sprintf("Signal=%s\r\nDuration=%d\r\n", d, ms))
}

// parseDTMFInfo извлекает цифру из тела SIP INFO
func parseDTMFInfo(contentType string, body []byte) (media.DTMFDigit, bool) {
	ct := strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	switch ct {
	case contentTypeDTMF:
		return parseSignal(strings.TrimSpace(string(body)))
	case contentTypeDTMFRelay:
		sc := bufio.NewScanner(strings.NewReader(string(body)))
		for sc.Scan() {
			key, value, ok := strings.Cut(sc.Text(), "=")
			if ok && strings.EqualFold(strings.TrimSpace(key), "signal") {
				return parseSignal(strings.TrimSpace(value))
			}
		}
	}
	return 0, false
}

func parseSignal(s string) (media.DTMFDigit, bool) {
	if s == "" {
		return 0, false
	}
	// некоторые АТС передают код события числом
	if n, err := strconv.Atoi(s); err == nil && n >= 10 && n <= 15 {
		return media.DTMFDigit(n), true
	}
	r := []rune(s)
	if len(r) != 1 {
		return 0, false
	}
	d, err := media.ParseDTMFDigit(r[0])
	return d, err == nil
}
