package stream

// Stream-level flow-control constants. Circuit-level SENDME is entirely
// the scheduler's concern (circuit.NeedsSendme/CreditPackageWindow); this
// package only tracks the per-stream window layered on top of it, using a
// plain empty-payload SENDME cell rather than the digest-carrying SENDME v1
// format, since the rolling per-hop digest it would have referenced lives
// behind the circuit package's API and stream has no need to observe it.
const (
	// streamSendmeWindow is how many RELAY_DATA cells this stream accepts
	// before crediting the sender a fresh batch via RELAY_SENDME.
	streamSendmeWindow = 50
	// initStreamWindow is a stream's starting send window.
	initStreamWindow = 500
)

// RELAY_END reason codes, carried in the single data byte of a RELAY_END
// cell so the peer (and, at the origin, the socks package) learns why a
// stream closed.
const (
	ReasonMisc           = 1
	ReasonResolveFailed  = 2
	ReasonConnectRefused = 3
	ReasonExitPolicy     = 4
	ReasonDestroy        = 5
	ReasonDone           = 6
	ReasonTimeout        = 7
	ReasonNoRoute        = 8
	ReasonHibernating    = 9
	ReasonInternal       = 10
	ReasonResourceLimit  = 11
	ReasonConnReset      = 12
	ReasonTorProtocol    = 13
	ReasonNotDirectory   = 14
)
