// ABOUTME: Prompt assembly for the Gemini responder
// ABOUTME: Renders bounded conversation history into role-tagged turns

package ai

import (
	"fmt"
	"strings"
)

// DefaultSystemContext is used when a conversation has no business-scoped
// system prompt.
const DefaultSystemContext = `Eres un asistente virtual para un restaurante/servicio de comida.
Puedes ayudar con información sobre el menú, precios, horarios, y tomar pedidos.
Sé amable y entusiasta sobre nuestros platos.`

// summaryInstruction asks for the short session summary produced at close.
const summaryInstruction = `Resume la siguiente conversación en 2-3 frases. Incluye el propósito de la
conversación, las decisiones o información clave, y si se completó alguna tarea.`

// Turn is one prior exchange in the conversation, tagged by role.
type Turn struct {
	Role    string // "user" or "assistant"
	Content string
}

// Prompt is the input to a reply generation: the new user message, the
// bounded history of the current session, and the system context.
type Prompt struct {
	SystemContext string
	History       []Turn
	UserMessage   string
}

// Render flattens the prompt into the single-string format the original
// conversational flow uses: system context, a transcript of prior turns,
// then the new message awaiting a reply.
func (p Prompt) Render() string {
	var b strings.Builder

	system := p.SystemContext
	if system == "" {
		system = DefaultSystemContext
	}
	b.WriteString(system)
	b.WriteString("\n\n")

	if len(p.History) > 0 {
		b.WriteString("Historial de conversación:\n")
		for _, turn := range p.History {
			b.WriteString(roleLabel(turn.Role))
			b.WriteString(": ")
			b.WriteString(turn.Content)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "Usuario: %s\nAsistente:", p.UserMessage)
	return b.String()
}

// RenderTranscript formats turns as a plain transcript for summarization.
func RenderTranscript(turns []Turn) string {
	var b strings.Builder
	for _, turn := range turns {
		b.WriteString(roleLabel(turn.Role))
		b.WriteString(": ")
		b.WriteString(turn.Content)
		b.WriteString("\n")
	}
	return b.String()
}

func roleLabel(role string) string {
	if role == "assistant" {
		return "Asistente"
	}
	return "Usuario"
}
