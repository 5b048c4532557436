// Package router dispatches completion requests between model clients based
// on conversation content. A typical setup routes heavyweight queries to a
// large model and everything else to a small, fast one:
//
//	r := router.New(smallModel,
//	    router.Rule{Match: router.LastTextContains("search", "trending"), Client: largeModel},
//	)
package router

import (
	"context"
	"strings"

	"github.com/cogentx/chatloop/pkg/chat"
)

var _ chat.Client = (*Router)(nil)

// Rule pairs a predicate with the client handling matching conversations.
type Rule struct {
	Match  func(conv *chat.Conversation) bool
	Client chat.Client
}

// Router is a chat.Client selecting among clients per request. The first
// rule whose predicate matches wins; otherwise the fallback client handles
// the request.
type Router struct {
	fallback chat.Client
	rules    []Rule
}

// New creates a router with a required fallback client.
func New(fallback chat.Client, rules ...Rule) *Router {
	return &Router{fallback: fallback, rules: rules}
}

func (r *Router) pick(conv *chat.Conversation) chat.Client {
	for _, rule := range r.rules {
		if rule.Match != nil && rule.Client != nil && rule.Match(conv) {
			return rule.Client
		}
	}
	return r.fallback
}

func (r *Router) Complete(ctx context.Context, conv *chat.Conversation, tools []*chat.ToolDef) (*chat.Message, error) {
	return r.pick(conv).Complete(ctx, conv, tools)
}

func (r *Router) Stream(ctx context.Context, conv *chat.Conversation, tools []*chat.ToolDef) (chat.Stream, error) {
	return r.pick(conv).Stream(ctx, conv, tools)
}

// LastTextContains matches when the most recent message's text contains any
// of the given keywords, case-insensitively.
func LastTextContains(keywords ...string) func(*chat.Conversation) bool {
	lowered := make([]string, len(keywords))
	for i, k := range keywords {
		lowered[i] = strings.ToLower(k)
	}
	return func(conv *chat.Conversation) bool {
		last := strings.ToLower(conv.LastText())
		for _, k := range lowered {
			if k != "" && strings.Contains(last, k) {
				return true
			}
		}
		return false
	}
}
