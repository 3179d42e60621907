package task

// ReviewThreshold is the confidence below which a task is gated behind
// human review.
const ReviewThreshold = 0.5

// ShouldRequireReview reports whether a confidence value demands a human
// review gate. An absent confidence never triggers the gate.
func ShouldRequireReview(confidence *float64) bool {
	return confidence != nil && *confidence < ReviewThreshold
}

// Calibration is the trust output the coordinator persists alongside a
// mutation. It carries no side effects of its own.
type Calibration struct {
	// RequiresReview is the effective review flag for the merged record.
	RequiresReview bool

	// RecordOverride is true when this mutation constitutes a human
	// override of an automated decision. The coordinator ORs it into the
	// stored WasOverridden flag, which never reverts to false.
	RecordOverride bool

	// ReviewedByID and ReviewNotes are set when a human acts on a flagged
	// task. Empty strings mean "leave the stored value alone".
	ReviewedByID string
	ReviewNotes  string
}

// Calibrate computes the trust outputs for applying ch on top of current,
// acting on behalf of actingUserID. Pure: no I/O, never fails.
//
// The review flag resolves as follows:
//   - an explicit requiresReview=true always wins;
//   - an explicit requiresReview=false stands only when the same
//     submission records an override, otherwise the computed value wins
//     (a human cannot silently unflag a low-confidence task);
//   - when only the confidence changes, the flag is recomputed from it;
//   - otherwise the stored flag is kept.
func Calibrate(current Task, ch Changes, actingUserID string) Calibration {
	confidence := current.ConfidenceScore
	if ch.ConfidenceScore != nil {
		confidence = ch.ConfidenceScore
	}
	computed := ShouldRequireReview(confidence)

	override := ch.WasOverridden != nil && *ch.WasOverridden
	// Sending flagged agent work back from review contradicts the agent's
	// "ready for review" signal, so it counts as an override even without
	// an explicit wasOverridden submission.
	if ch.Status != nil && current.AgentID != "" && current.RequiresReview &&
		current.Status == StatusReview && *ch.Status == StatusInProgress {
		override = true
	}

	var requires bool
	switch {
	case ch.RequiresReview != nil && *ch.RequiresReview:
		requires = true
	case ch.RequiresReview != nil:
		if override {
			requires = false
		} else {
			requires = computed
		}
	case ch.ConfidenceScore != nil:
		requires = computed
	default:
		requires = current.RequiresReview
	}

	cal := Calibration{
		RequiresReview: requires,
		RecordOverride: override,
	}

	// A review action is any human touch on a flagged task's review
	// surface: closing or redirecting it, annotating it, or overriding it.
	reviewAction := override ||
		(current.RequiresReview && ch.Status != nil && current.Status == StatusReview) ||
		ch.ReviewNotes != nil ||
		ch.RequiresReview != nil && !*ch.RequiresReview

	if ch.ReviewNotes != nil {
		cal.ReviewNotes = *ch.ReviewNotes
	}
	switch {
	case ch.ReviewedByID != nil:
		cal.ReviewedByID = *ch.ReviewedByID
	case reviewAction && current.ReviewedByID == "":
		cal.ReviewedByID = actingUserID
	}
	return cal
}
