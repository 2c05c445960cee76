package retrieval

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aide-sh/aide/pkg/llm"
	"github.com/aide-sh/aide/pkg/logger"
)

// WeightedQuery is one rewritten search query.
type WeightedQuery struct {
	Text   string  `json:"text" jsonschema:"description=A focused search query"`
	Weight float64 `json:"weight" jsonschema:"description=Relative importance between 0 and 1,minimum=0,maximum=1"`
}

type rewriteOutput struct {
	Queries []WeightedQuery `json:"queries" jsonschema:"description=1 to 5 weighted search queries"`
}

var rewriteSchema = llm.GenerateSchema[rewriteOutput]()

const rewriteSystemPrompt = `You rewrite a chat message into semantic search queries over a personal memory store.
Rules:
- Split distinct topics into separate queries (1-5 total).
- Expand pronouns and references using the conversation context.
- Preserve distinctive or unusual phrases verbatim; do not paraphrase them or add synonyms. Concrete phrases are the best search terms.
- Weight queries by how central they are to the message.`

// Rewriter turns a user message plus recent context into weighted queries.
type Rewriter struct {
	caller llm.StructuredCaller
}

// NewRewriter builds a Rewriter.
func NewRewriter(caller llm.StructuredCaller) *Rewriter {
	return &Rewriter{caller: caller}
}

// Rewrite produces 1-5 weighted queries. On any model failure it degrades
// to the raw message with weight 1 so retrieval still runs.
func (r *Rewriter) Rewrite(ctx context.Context, message string, recentExchanges []string) []WeightedQuery {
	fallback := []WeightedQuery{{Text: message, Weight: 1}}
	if r.caller == nil {
		return fallback
	}

	var sb strings.Builder
	if len(recentExchanges) > 0 {
		sb.WriteString("Recent conversation:\n")
		for _, ex := range recentExchanges {
			sb.WriteString(ex)
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}
	fmt.Fprintf(&sb, "Message to rewrite:\n%s", message)

	var out rewriteOutput
	err := r.caller.Structured(ctx, llm.StructuredRequest{
		Model:        llm.ModelHaiku,
		SystemPrompt: rewriteSystemPrompt,
		UserPrompt:   sb.String(),
		Schema:       rewriteSchema,
		MaxTokens:    1024,
		Timeout:      30 * time.Second,
	}, &out)
	if err != nil || len(out.Queries) == 0 {
		logger.G(ctx).WithError(err).Debug("query rewrite failed, using raw message")
		return fallback
	}
	if len(out.Queries) > 5 {
		out.Queries = out.Queries[:5]
	}
	return out.Queries
}
