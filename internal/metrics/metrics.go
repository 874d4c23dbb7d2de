package metrics

type Counter interface {
	Inc()
}

type Metrics struct {
	TradesStarted      Counter
	TradesSettled      Counter
	StartRejected      Counter
	SettleRejected     Counter
	OracleFailures     Counter
	KeeperSettleFailed Counter
	EventsDropped      Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		TradesStarted:      n,
		TradesSettled:      n,
		StartRejected:      n,
		SettleRejected:     n,
		OracleFailures:     n,
		KeeperSettleFailed: n,
		EventsDropped:      n,
	}
}
