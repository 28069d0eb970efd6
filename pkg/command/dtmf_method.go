package command

import "github.com/pkg/errors"

// DTMFMethod способ отправки DTMF
type DTMFMethod string

const (
	DTMFInBand  DTMFMethod = "in_band"
	DTMFRFC2833 DTMFMethod = "rfc2833"
	DTMFSIPInfo DTMFMethod = "sip_info"
)

var errInvalidDTMFMethod = errors.New("method must be one of in_band, rfc2833, sip_info")

// ParseDTMFMethod разбирает метод, пустая строка означает in_band
func ParseDTMFMethod(s string) (DTMFMethod, error) {
	switch DTMFMethod(s) {
	case "":
		return DTMFInBand, nil
	case DTMFInBand, DTMFRFC2833, DTMFSIPInfo:
		return DTMFMethod(s), nil
	default:
		return "", errInvalidDTMFMethod
	}
}
