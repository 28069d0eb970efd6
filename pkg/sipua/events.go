package sipua

// События звонка, на которые можно подписать вебхуки (webhook_to_call)
const (
	EventCallEstablished  = "call_established"
	EventEnteredMenu      = "entered_menu"
	EventDTMFDigit        = "dtmf_digit"
	EventCallDisconnected = "call_disconnected"
	EventTimeout          = "timeout"
	EventRingTimeout      = "ring_timeout"
	EventPlaybackDone     = "playback_done"
)
