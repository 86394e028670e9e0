package matchmaker

import (
	"github.com/chasemcd/experimentd/internal/domain"
)

// FIFOMatcher is the default domain.Matcher: first groupSize entries in
// arrival order, including the arriving one.
type FIFOMatcher struct{}

func (FIFOMatcher) FindMatch(arriving domain.WaitingEntry, waiting []domain.WaitingEntry, groupSize int) []domain.WaitingEntry {
	if len(waiting) < groupSize {
		return nil
	}
	return append([]domain.WaitingEntry(nil), waiting[:groupSize]...)
}

func (FIFOMatcher) OnTimeout(entry domain.WaitingEntry) domain.TimeoutAction {
	return domain.TimeoutAction{Kind: domain.TimeoutRedirect}
}

func (FIFOMatcher) OnDropout(entry domain.WaitingEntry, remaining []domain.WaitingEntry) domain.DropoutAction {
	return domain.DropoutContinueWaiting
}
