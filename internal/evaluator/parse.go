// internal/evaluator/parse.go
package evaluator

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github-payout-service/internal/model"
)

// jsonObject matches the outermost {...} span in a model reply, which may be
// wrapped in prose or code fences.
var jsonObject = regexp.MustCompile(`(?s)\{.*\}`)

func extractJSON(reply string) ([]byte, error) {
	match := jsonObject.FindString(reply)
	if match == "" {
		return nil, errors.New("no JSON object in evaluator reply")
	}
	return []byte(match), nil
}

// number accepts a JSON number or a numeric string.
type number float64

func (n *number) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.TrimPrefix(strings.TrimSpace(s), "$")
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("not a number: %q", s)
		}
		*n = number(f)
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*n = number(f)
	return nil
}

type gamingReply struct {
	IsGaming   bool     `json:"is_gaming"`
	Confidence *number  `json:"confidence"`
	Reason     string   `json:"reason"`
	Flags      []string `json:"flags"`
}

func parseGamingVerdict(reply string) (GamingVerdict, error) {
	raw, err := extractJSON(reply)
	if err != nil {
		return GamingVerdict{}, err
	}
	var r gamingReply
	if err := json.Unmarshal(raw, &r); err != nil {
		return GamingVerdict{}, fmt.Errorf("invalid gaming verdict: %w", err)
	}

	v := GamingVerdict{IsGaming: r.IsGaming, Reason: r.Reason, Flags: r.Flags}
	switch {
	case r.Confidence != nil:
		v.Confidence = float64(*r.Confidence)
	case r.IsGaming:
		v.Confidence = 0.9
	}
	return v, nil
}

type payoutReply struct {
	PayoutAmount   *number           `json:"payout_amount"`
	Reasoning      string            `json:"reasoning"`
	Confidence     *number           `json:"confidence"`
	QualityScore   *number           `json:"quality_score"`
	TaskAlignment  string            `json:"task_alignment"`
	MilestoneID    model.MilestoneID `json:"milestone_id"`
	Flags          []string          `json:"flags"`
	CommitsSummary string            `json:"commits_summary"`
}

func parsePayoutVerdict(reply string) (PayoutVerdict, error) {
	raw, err := extractJSON(reply)
	if err != nil {
		return PayoutVerdict{}, err
	}
	var r payoutReply
	if err := json.Unmarshal(raw, &r); err != nil {
		return PayoutVerdict{}, fmt.Errorf("invalid payout verdict: %w", err)
	}
	if r.PayoutAmount == nil {
		return PayoutVerdict{}, errors.New("payout verdict has no payout_amount")
	}

	v := PayoutVerdict{
		PayoutAmount:   float64(*r.PayoutAmount),
		Reasoning:      r.Reasoning,
		TaskAlignment:  r.TaskAlignment,
		MilestoneID:    r.MilestoneID,
		Flags:          r.Flags,
		CommitsSummary: r.CommitsSummary,
	}
	if r.Confidence != nil {
		c := float64(*r.Confidence)
		v.Confidence = &c
	}
	if r.QualityScore != nil {
		q := float64(*r.QualityScore)
		v.QualityScore = &q
	}
	return v, nil
}
