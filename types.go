package hydradash

// requestMetrics describes the outcome of a single call against a node.
type requestMetrics struct {
	connFailure   bool
	timeout       bool
	malformed     bool
	responseCode  int
	success       bool
	bytesReceived int

	ttfbMs     float64
	durationMs float64
}

func (rm requestMetrics) outcome() string {
	switch {
	case rm.success:
		return "success"
	case rm.timeout:
		return "timeout"
	case rm.connFailure:
		return "unreachable"
	case rm.malformed:
		return "malformed"
	case rm.responseCode != 0:
		return "http-error"
	default:
		return "error"
	}
}
