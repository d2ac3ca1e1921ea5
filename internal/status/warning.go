package status

// DegradedModeWarning reports a non-fatal loss of capability. The session
// keeps running without the named feature.
type DegradedModeWarning struct {
	Feature string
	Reason  string
	Err     error
}

func (w *DegradedModeWarning) Error() string {
	msg := w.Feature + " unavailable"
	if w.Reason != "" {
		msg += ": " + w.Reason
	}
	if w.Err != nil {
		msg += ": " + w.Err.Error()
	}
	return msg
}

func (w *DegradedModeWarning) Unwrap() error { return w.Err }

// Warn logs w to sink and returns it.
func Warn(sink Sink, w *DegradedModeWarning) *DegradedModeWarning {
	if sink != nil {
		sink.Log(w.Error())
	}
	return w
}
