package util

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

func NormalizePhone(p string) string {
	// keep it simple; callers are expected to send E.164 already
	return strings.ReplaceAll(strings.TrimSpace(p), " ", "")
}

// newID returns a prefixed ULID. ULIDs sort by creation time, which keeps
// index pages warm and dashboards readable.
func newID(prefix string) string {
	t := time.Now().UTC()
	return prefix + "_" + ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}

func NewLeadID() string     { return newID("lead") }
func NewCallID() string     { return newID("call") }
func NewCampaignID() string { return newID("camp") }
func NewOrgID() string      { return newID("org") }
func NewNumberID() string   { return newID("pn") }
func NewLedgerID() string   { return newID("led") }

func NowUTC() time.Time {
	return time.Now().UTC()
}
