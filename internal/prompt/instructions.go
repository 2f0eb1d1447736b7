package prompt

import "fmt"

// instructionFor picks the fixed suffix that frames how the agent should
// respond, based on conversation shape.
func instructionFor(in Input, hasTranscript bool) string {
	name := in.Agent.Name
	if !hasTranscript && len(in.Messages) == 0 {
		return fmt.Sprintf(
			"Nobody has said anything yet. Start the conversation as %s with something "+
				"natural for you to bring up. Respond with only what %s says out loud.",
			name, name)
	}
	if in.AgentCount <= 1 {
		return fmt.Sprintf(
			"You are %s in a private conversation with %s. Reply in character with what "+
				"%s says next. Respond with only the words spoken, no stage directions.",
			name, userLabel(in.UserName), name)
	}
	return fmt.Sprintf(
		"You are %s in a group conversation. Reply in character with what %s says next, "+
			"reacting to the most recent messages. Keep it short and conversational; do not "+
			"speak for anyone else. If you have nothing to add right now, use the skip tool "+
			"instead of forcing a reply.",
		name, name)
}

func userLabel(userName string) string {
	if userName != "" {
		return userName
	}
	return DefaultUserName
}
