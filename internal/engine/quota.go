package engine

// DefaultActionQuota is the default maximum number of capability calls one
// agent may make in one turn.
const DefaultActionQuota = 100

// actionQuota counts an agent's action verb and service calls during one
// turn and enforces a limit.
//
// The wall-clock and instruction budgets bound time; the quota bounds
// effects, such as a script calling createTransaction in a loop.
type actionQuota struct {
	limit   int
	current int
}

func newActionQuota(limit int) *actionQuota {
	return &actionQuota{limit: limit}
}

// check counts one call and fails once the limit is passed.
// A non-positive limit disables the quota.
func (q *actionQuota) check(agentID string, tick int64) error {
	q.current++
	if q.limit > 0 && q.current > q.limit {
		return &RuntimeError{
			Code:    ErrCodeQuotaExceeded,
			Message: "too many actions in one turn",
			AgentID: agentID,
			Tick:    tick,
		}
	}
	return nil
}

// exceeded reports whether the limit was passed during the turn.
func (q *actionQuota) exceeded() bool {
	return q.limit > 0 && q.current > q.limit
}
