package prompts

import "strings"

// Fallback is the answer the assistant gives when the context lacks the answer.
const Fallback = "I don't have that information in our policies. Please contact customer support."

const DefaultSystem = `You are a helpful FinGuard customer support assistant. Answer the customer's question based ONLY on the provided context.

Instructions:
1. Answer based strictly on the provided context
2. Be concise and helpful
3. If the context doesn't contain the answer, say "` + Fallback + `"
4. Include relevant policy references when applicable
5. Be polite and professional`

// ForSession resolves the final system prompt for a query session.
func ForSession(systemPrompt string) string {
	if systemPrompt != "" {
		return systemPrompt
	}
	return DefaultSystem
}

// RAGContext wraps retrieved policy context into a system message.
func RAGContext(context string) string {
	return "Context from FinGuard policies:\n" + context
}

// Question formats the customer's question as the user turn.
func Question(query string) string {
	return "Customer Question: " + query + "\n\nAnswer:"
}

// Single renders system prompt, context and question as one prompt for
// backends that take a single instruction string.
func Single(systemPrompt, context, query string) string {
	parts := []string{ForSession(systemPrompt)}
	if context != "" {
		parts = append(parts, RAGContext(context))
	}
	parts = append(parts, Question(query))
	return strings.Join(parts, "\n\n")
}
