package verdict

// Reasons for verdicts that did not originate from the judge model.
const (
	ReasonDisabled    = "judge disabled"
	ReasonUnavailable = "llm_unavailable"
	ReasonParseError  = "parse_error"
	ReasonJudgeError  = "judge_error"
)

// Verdict is the result of judging one prompt. Blocked=false means the
// request proceeds (possibly with a prefix injected); Blocked=true means
// the downstream model call is skipped for this turn.
type Verdict struct {
	Blocked    bool     `json:"blocked"`
	Categories []string `json:"categories"`
	Reason     string   `json:"reason"`
	// Rewrite is an optional safer rephrasing suggested by the judge.
	// Carried on the contract but never consumed by the gate.
	Rewrite *string `json:"rewrite,omitempty"`
}

// Allow is the fail-open verdict used for every non-model outcome.
func Allow(reason string) Verdict {
	return Verdict{Blocked: false, Categories: []string{}, Reason: reason}
}
