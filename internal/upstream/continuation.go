package upstream

// resumeInstruction steers the model to pick up exactly where the prior
// draft stopped. Kept short so it does not crowd the context window.
const resumeInstruction = "Your previous answer was cut off. Continue exactly where you left off. " +
	"Do not repeat any text you have already written, do not apologize, and do not summarize; " +
	"resume mid-sentence if necessary and finish the answer."

// ContinuationRequest builds the resume request for an incomplete draft:
// the original conversation, the partial assistant draft, and the fixed
// resume instruction. The attempt counter only feeds the caller's
// auto_continue event; the wire request is identical across attempts.
func ContinuationRequest(base Request, draft string) Request {
	out := base
	out.Messages = make([]Message, 0, len(base.Messages)+2)
	out.Messages = append(out.Messages, base.Messages...)
	out.Messages = append(out.Messages,
		Message{Role: RoleAssistant, Content: draft},
		Message{Role: RoleUser, Content: resumeInstruction},
	)
	return out
}
