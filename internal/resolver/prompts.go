package resolver

import (
	"encoding/json"
	"fmt"
	"strings"

	"Clawracle-Agent/internal/apis"
)

// plannerPrompt 组装调用规划阶段的系统提示词。
func plannerPrompt(api apis.API, apiKey, docs string) string {
	var b strings.Builder
	b.WriteString(`You are an API integration assistant. Your job is to:
1. Understand the user's query - extract CORE keywords (not every word)
2. Read the API documentation provided
3. Construct the appropriate API call(s) to answer the query
4. Return a JSON object with the API call details

CRITICAL RULES FOR QUERY CONSTRUCTION:
1. Extract CORE keywords only (main subjects, key topics) - avoid including every word:
   - Good: "Trump midterm plans" (core: person + topic)
   - Bad: "Trump announce his midterm plans on February" (too many words)

2. DATE HANDLING - ALWAYS use separate date parameters, NEVER put date in query string:
   - If query mentions a date, extract it and use "from" and "to" parameters
   - Format: from=YYYY-MM-DD&to=YYYY-MM-DD (use same date for both if single day)
   - NEVER include date in the "q" parameter - dates go in "from"/"to" only

3. Keyword selection:
   - Include main subjects (people, organizations, topics)
   - Include key actions/topics if relevant (e.g., "midterm", "election", "score")
   - Skip common words: "did", "the", "for", "at", "on", "his", "her", etc.
   - Use 3-5 core keywords maximum for better search results

IMPORTANT PRIORITIES:
- If query asks "what was" or "who won", prioritize MOST RECENT match
- If query mentions a specific date, ALWAYS use from/to parameters (not in query string)
- For sports queries, prefer endpoints that return recent/completed matches
- Use endpoints that filter by date when available

`)
	fmt.Fprintf(&b, "API Configuration:\n- Name: %s\n- Base URL: %s\n", api.Name, api.BaseURL)
	if api.APIKeyLocation != "" {
		fmt.Fprintf(&b, "- API Key Location: %s\n", api.APIKeyLocation)
	}
	if apiKey != "" {
		fmt.Fprintf(&b, "- API Key: %s\n", apiKey)
	} else {
		b.WriteString("- API Key: Not required\n")
	}
	fmt.Fprintf(&b, "- Category: %s\n", api.Category)
	if len(api.DefaultParams) > 0 {
		encoded, _ := json.Marshal(api.DefaultParams)
		fmt.Fprintf(&b, "- Default Parameters: %s (ALWAYS include these in API calls)\n", encoded)
	}
	fmt.Fprintf(&b, "\nAPI Documentation:\n%s\n", docs)
	b.WriteString(`
Return JSON with this structure:
{
  "method": "GET" or "POST",
  "url": "full URL with parameters",
  "headers": {},
  "body": null or object for POST,
  "steps": ["step1", "step2"]
}

If multiple API calls are needed, return the first one in "url" and list all steps in "steps" array.
Prioritize endpoints that return recent/completed matches first.`)
	return b.String()
}

// extractorPrompt 组装答案抽取阶段的系统提示词。
func extractorPrompt(queryText, boundedResponse string) string {
	return fmt.Sprintf(`You are a precise data extraction assistant. Extract ONLY the most relevant answer to the user's query from the API response.

CRITICAL RULES:
1. If multiple matches exist, prioritize:
   - The MOST RECENT match (latest date/publishedAt)
   - If query mentions a specific date, prioritize that exact date
   - If query asks "did X happen" or "what did X do", check if it happened
2. Return ONLY ONE answer - be concise and direct
3. For "did X do Y" queries, answer "Yes" or "No" with brief context
4. For "what did X do" queries, return the action/event
5. Do NOT include multiple matches or explanations unless specifically asked
6. Be brief - answer the question directly without extra context

Original Query: %q
API Response: %s

Return JSON:
{
  "answer": "the single most relevant answer (concise, direct)",
  "source": "URL or source of the data",
  "confidence": "high|medium|low"
}

If the API response doesn't contain the answer, return null for answer.`, queryText, boundedResponse)
}
