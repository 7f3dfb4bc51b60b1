package proposals

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/dmelnik/ada/internal/store"
)

type rawProposal struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Difficulty  string   `json:"difficulty"`
	Tags        []string `json:"tags"`
}

// ParseProposals extracts a normalized proposal list from model output,
// tolerating surrounding prose and markdown fences. Entries without a title
// and duplicate titles are dropped; difficulty is coerced into the
// three-value enum with Intermediate as the default. Returns nil when
// nothing usable was found.
func ParseProposals(text string, max int) []store.Proposal {
	raws := extractArray(text)
	if len(raws) == 0 {
		return nil
	}

	seen := make(map[string]bool)
	out := make([]store.Proposal, 0, len(raws))
	for _, r := range raws {
		title := strings.TrimSpace(r.Title)
		if title == "" {
			continue
		}
		key := strings.ToLower(title)
		if seen[key] {
			continue
		}
		seen[key] = true

		id := strings.TrimSpace(r.ID)
		if id == "" {
			id = uuid.NewString()
		}
		out = append(out, store.Proposal{
			ID:          id,
			Title:       title,
			Description: strings.TrimSpace(r.Description),
			Difficulty:  CoerceDifficulty(r.Difficulty),
			Tags:        normalizeTags(r.Tags),
		})
		if max > 0 && len(out) == max {
			break
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// ParseStringList extracts a flat JSON string array (concept tags) from
// model output, with the same leniency as ParseProposals.
func ParseStringList(text string, max int) []string {
	span := jsonSpan(stripFences(text), '[', ']')
	if span == "" {
		return nil
	}
	var items []string
	if err := json.Unmarshal([]byte(span), &items); err != nil {
		return nil
	}
	out := normalizeTags(items)
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return out
}

// CoerceDifficulty maps free-form model output onto the difficulty enum.
func CoerceDifficulty(s string) store.Difficulty {
	switch {
	case strings.HasPrefix(strings.ToLower(strings.TrimSpace(s)), "beg"):
		return store.DifficultyBeginner
	case strings.HasPrefix(strings.ToLower(strings.TrimSpace(s)), "adv"):
		return store.DifficultyAdvanced
	default:
		return store.DifficultyIntermediate
	}
}

func extractArray(text string) []rawProposal {
	body := stripFences(text)

	// Whole-body parse first, then the first bracketed span inside prose.
	for _, candidate := range []string{body, jsonSpan(body, '[', ']')} {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			continue
		}
		var raws []rawProposal
		if err := json.Unmarshal([]byte(candidate), &raws); err == nil && len(raws) > 0 {
			return raws
		}
		// A single bare object is still usable.
		var one rawProposal
		if err := json.Unmarshal([]byte(candidate), &one); err == nil && strings.TrimSpace(one.Title) != "" {
			return []rawProposal{one}
		}
	}

	if span := jsonSpan(body, '{', '}'); span != "" {
		var one rawProposal
		if err := json.Unmarshal([]byte(span), &one); err == nil && strings.TrimSpace(one.Title) != "" {
			return []rawProposal{one}
		}
	}
	return nil
}

// jsonSpan returns the first balanced open..close span, respecting strings.
func jsonSpan(text string, open, close byte) string {
	start := strings.IndexByte(text, open)
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

func stripFences(text string) string {
	body := strings.TrimSpace(text)
	if !strings.Contains(body, "```") {
		return body
	}
	var sb strings.Builder
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			continue
		}
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	return sb.String()
}

func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]bool)
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[strings.ToLower(t)] {
			continue
		}
		seen[strings.ToLower(t)] = true
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
