package authn

// Taxonomy maps a FailureKind onto the error kind vocabulary from the
// relay's error taxonomy: "authentication" or "authorization".
func (k FailureKind) Taxonomy() string {
	switch k {
	case FailureSubjectMismatch, FailureAgentNotApproved, FailureAPIKeyRequired, FailureAPIKeyInvalid:
		return "authorization"
	default:
		return "authentication"
	}
}
