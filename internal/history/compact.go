package history

import (
	"fmt"
	"strings"
)

const compactedPrefix = "[compacted: "

// Compact ages a run log in place. Step age is counted back from the newest
// step: the newest MediaWindowSteps steps are untouched, steps older than
// that lose attachment data but keep attachment names, and steps older than
// CompactWindowSteps keep only a length digest and their annotations.
// Annotations are never dropped. Compact is idempotent.
func (t *Tracker) Compact(run *RunLog) {
	n := len(run.Steps)
	for i, step := range run.Steps {
		age := n - 1 - i
		switch {
		case age < t.cfg.MediaWindowSteps:
			// Newest window keeps everything.
		case age < t.cfg.CompactWindowSteps:
			dropAttachmentData(step)
		default:
			if !strings.HasPrefix(step.Raw, compactedPrefix) {
				step.Raw = fmt.Sprintf("%s%d chars]", compactedPrefix, len(step.Raw))
			}
			step.Attachments = nil
		}
	}
}

func dropAttachmentData(step *StepRecord) {
	for i := range step.Attachments {
		step.Attachments[i].Data = nil
	}
}
