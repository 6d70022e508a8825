package provider

import (
	"fmt"
	"strings"
)

const (
	choicePrefix = "CHOICE:"
	endMarker    = "THE END"
)

// narrativeInstruction задает общий формат ответа для всех текстовых провайдеров.
const narrativeInstruction = `You are the narrator of an interactive %s story.
Continue the story with one short scene (two or three paragraphs).
After the scene list two to four options for the reader, each on its own line starting with "CHOICE:".
If the story reaches its ending, write "THE END" on the last line instead of options.`

// ChatMessages возвращает системное и пользовательское сообщения для текстовой попытки.
func ChatMessages(spec Spec) (system string, user string) {
	mode := spec.Mode
	if mode == "" {
		mode = "adventure"
	}
	system = fmt.Sprintf(narrativeInstruction, mode)

	var b strings.Builder
	if len(spec.History) > 0 {
		b.WriteString("Story so far:\n")
		for _, part := range spec.History {
			b.WriteString(part)
			b.WriteString("\n\n")
		}
		b.WriteString("The reader chose: ")
	} else {
		b.WriteString("Opening premise: ")
	}
	b.WriteString(spec.Prompt)
	return system, b.String()
}

// ParseNarrative разбирает ответ в формате сцена + строки CHOICE: + необязательный THE END.
func ParseNarrative(raw string) (TextContent, error) {
	var (
		body    []string
		choices []string
		isEnd   bool
	)
	for _, line := range strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n") {
		trimmed := strings.TrimSpace(line)
		upper := strings.ToUpper(trimmed)
		switch {
		case strings.HasPrefix(upper, choicePrefix):
			if choice := strings.TrimSpace(trimmed[len(choicePrefix):]); choice != "" {
				choices = append(choices, choice)
			}
		case strings.Trim(upper, ".!* ") == endMarker:
			isEnd = true
		default:
			body = append(body, line)
		}
	}

	text := strings.TrimSpace(strings.Join(body, "\n"))
	if text == "" {
		return TextContent{}, fmt.Errorf("response has no narrative text")
	}
	if !isEnd && len(choices) == 0 {
		return TextContent{}, fmt.Errorf("response has neither choices nor an ending marker")
	}
	if isEnd {
		choices = nil
	}
	return TextContent{Text: text, Choices: choices, IsEnd: isEnd}, nil
}
