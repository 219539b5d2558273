package pipeline

// Prompt templates for the extraction and summarization stages. The
// placeholders are filled with fmt.Sprintf, so literal braces in the JSON
// examples are safe.

const discreteExtractionPrompt = `You are a long-memory manager. Your job is to analyze text and extract
information that might be useful in future conversations with users.

Extract two types of memories:
1. EPISODIC: Personal experiences specific to a user or agent.
   Example: "User had a bad experience in Paris"

2. SEMANTIC: User preferences and general knowledge outside of your training data.
   Example: "Trek discontinued the Trek 520 steel touring bike in 2023"

For each memory, return a JSON object with the following fields:
- type: str -- The memory type, either "episodic" or "semantic"
- text: str -- The actual information to store
- topics: list[str] -- The topics of the memory (top %d)
- entities: list[str] -- The entities of the memory

Return a JSON object like:
{
    "memories": [
        {
            "type": "semantic",
            "text": "User prefers window seats",
            "topics": ["travel", "airline"],
            "entities": ["User", "window seat"]
        }
    ]
}

IMPORTANT RULES:
1. Only extract information that would be genuinely useful for future interactions.
2. Do not extract procedural knowledge - that is handled by the system's built-in tools and prompts.
3. You are a large language model - do not extract facts that you already know.

Messages:
%s

Extracted memories:`

const preferencesExtractionPrompt = `You are a long-memory manager. Extract ONLY first-person user
preferences and traits from the conversation: likes, dislikes, habits,
constraints, and stable personal facts. Ignore world knowledge and events.

For each preference, return a JSON object with the following fields:
- type: str -- always "semantic"
- text: str -- the preference, phrased about the user
- topics: list[str] -- the topics of the memory (top %d)
- entities: list[str] -- the entities of the memory

Return a JSON object like:
{"memories": [{"type": "semantic", "text": "User prefers aisle seats", "topics": ["travel"], "entities": ["User"]}]}

Messages:
%s

Extracted preferences:`

const summaryExtractionPrompt = `You are a long-memory manager. Produce ONE concise summary of the
conversation segment below, capturing decisions, facts and outcomes that
would matter in future conversations.

Return a JSON object like:
{"memories": [{"type": "episodic", "text": "<the summary>", "topics": [], "entities": []}]}

Messages:
%s

Summary:`

const incrementalSummaryPrompt = `You are a precise summarization assistant. Given the previous summary of a
conversation (possibly empty) and new lines of dialogue, produce an updated
summary that folds the new lines into the previous summary. Keep concrete
facts, names, dates and decisions. Be concise.

Previous summary:
%s

New lines of conversation:
%s

Updated summary:`

const entityExtractionPrompt = `Extract the named entities (people, organizations, places, products) from
the text. Respond with a JSON object {"entities": ["..."]}. Use the surface
form from the text. Return at most 10 entities.

Text: %s`
