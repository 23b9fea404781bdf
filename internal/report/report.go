package report

import (
	"encoding/json"
	"fmt"
)

// Report is the flattened summary of one presentation series document.
type Report struct {
	SlideCount            int            `json:"slide_count"`
	QuestionSlideCount    int            `json:"question_slide_count"`
	SlideTypeDistribution map[string]int `json:"slide_type_distribution"`
	TotalQuestionCount    int            `json:"total_question_count"`

	ParticipationMode               *string `json:"participation_mode"`
	ParticipationPolicy             *string `json:"participation_policy"`
	ParticipationIdentityMode       *string `json:"participation_identity_mode"`
	ParticipationAuthenticationMode *string `json:"participation_authentication_mode"`

	QAEnabled            bool    `json:"qa_enabled"`
	LiveChatEnabled      bool    `json:"live_chat_enabled"`
	CollaborationMode    *string `json:"collaboration_mode"`
	PresentationLanguage *string `json:"presentation_language"`

	Slides []Slide `json:"slides"`
}

// Slide summarises one slide and the questions attached to it.
type Slide struct {
	SlideType  string     `json:"slide_type"`
	SlideTitle string     `json:"slide_title"`
	Questions  []Question `json:"questions"`
}

// Question summarises one interactive content block.
type Question struct {
	QuestionTitle       string         `json:"question_title"`
	QuestionDescription string         `json:"question_description"`
	QuestionType        string         `json:"question_type"`
	ResponsePolicy      *string        `json:"response_policy"`
	ResponseMode        *string        `json:"response_mode"`
	ChoiceCount         int            `json:"choice_count"`
	Choices             []Choice       `json:"choices"`
	HasCorrectAnswers   bool           `json:"has_correct_answers"`
	ScoringEnabled      *bool          `json:"scoring_enabled"`
	CountdownEnabled    *bool          `json:"countdown_enabled"`
	HasResponseRange    bool           `json:"has_response_range"`
	ResponseRange       *ResponseRange `json:"response_range"`
	MaxEntriesDefined   bool           `json:"max_entries_defined"`
}

// Choice is a single answer option title.
type Choice struct {
	Title string `json:"title"`
}

// ResponseRange is the numeric bounds of a scale/numeric question.
type ResponseRange struct {
	Min *float64 `json:"min"`
	Max *float64 `json:"max"`
}

// Wire shapes of the upstream series document. Only the fields the report
// needs are decoded; everything else is ignored.
type seriesDocument struct {
	SlideDeck struct {
		Slides                []seriesSlide `json:"slides"`
		ParticipationSettings struct {
			ParticipationMode               *string `json:"participation_mode"`
			ParticipationPolicy             *string `json:"participation_policy"`
			ParticipationIdentityMode       *string `json:"participation_identity_mode"`
			ParticipationAuthenticationMode *string `json:"participation_authentication_mode"`
		} `json:"participation_settings"`
		QASettings struct {
			EnablementScope *string `json:"enablement_scope"`
		} `json:"qa_settings"`
		LiveChatSettings struct {
			LiveChatMode *string `json:"live_chat_mode"`
		} `json:"live_chat_settings"`
		LanguageSettings struct {
			PresentationLanguage *string `json:"presentation_language"`
		} `json:"language_settings"`
		OwnershipSettings struct {
			CollaborationMode *string `json:"collaboration_mode"`
		} `json:"ownership_settings"`
	} `json:"slide_deck"`
}

type seriesSlide struct {
	Title         json.RawMessage `json:"title"`
	StaticContent struct {
		Type        string          `json:"type"`
		StyledTitle json.RawMessage `json:"styledTitle"`
	} `json:"static_content"`
	InteractiveContents []interactiveContent `json:"interactive_contents"`
}

type interactiveContent struct {
	Title             json.RawMessage `json:"title"`
	Description       json.RawMessage `json:"description"`
	ResponsePolicy    *string         `json:"response_policy"`
	ResponseMode      *string         `json:"response_mode"`
	Choices           []seriesChoice  `json:"choices"`
	CorrectAnswerMode *string         `json:"correct_answer_mode"`
	Scoring           *bool           `json:"scoring"`
	Countdown         *bool           `json:"countdown"`
	ResponseRange     *struct {
		Min *float64 `json:"min"`
		Max *float64 `json:"max"`
	} `json:"response_range"`
	MaxEntries   *json.Number `json:"max_entries"`
	VoteSettings *struct {
		MaxEntries            *json.Number `json:"max_entries"`
		MaxEntriesPerResponse *json.Number `json:"max_entries_per_response"`
	} `json:"vote_settings"`
}

type seriesChoice struct {
	Title         json.RawMessage `json:"title"`
	MarkedCorrect *bool           `json:"marked_correct"`
}

// Reduce turns a raw series API document into a Report.
func Reduce(doc []byte) (*Report, error) {
	var series seriesDocument
	if err := json.Unmarshal(doc, &series); err != nil {
		return nil, fmt.Errorf("failed to decode series document: %w", err)
	}

	deck := series.SlideDeck
	rep := &Report{
		SlideTypeDistribution:           map[string]int{},
		Slides:                          make([]Slide, 0, len(deck.Slides)),
		ParticipationMode:               deck.ParticipationSettings.ParticipationMode,
		ParticipationPolicy:             deck.ParticipationSettings.ParticipationPolicy,
		ParticipationIdentityMode:       deck.ParticipationSettings.ParticipationIdentityMode,
		ParticipationAuthenticationMode: deck.ParticipationSettings.ParticipationAuthenticationMode,
		QAEnabled:                       enabledScope(deck.QASettings.EnablementScope),
		LiveChatEnabled:                 enabledScope(deck.LiveChatSettings.LiveChatMode),
		CollaborationMode:               deck.OwnershipSettings.CollaborationMode,
		PresentationLanguage:            deck.LanguageSettings.PresentationLanguage,
	}

	for _, slide := range deck.Slides {
		slideType := slide.StaticContent.Type
		if slideType == "" {
			slideType = "unknown"
		}
		rep.SlideTypeDistribution[slideType]++

		if len(slide.InteractiveContents) > 0 {
			rep.QuestionSlideCount++
		}
		rep.TotalQuestionCount += len(slide.InteractiveContents)

		title := PlainText(slide.StaticContent.StyledTitle)
		if title == "" {
			title = PlainText(slide.Title)
		}

		questions := make([]Question, 0, len(slide.InteractiveContents))
		for _, ic := range slide.InteractiveContents {
			questions = append(questions, reduceQuestion(ic, slideType))
		}

		rep.Slides = append(rep.Slides, Slide{
			SlideType:  slideType,
			SlideTitle: title,
			Questions:  questions,
		})
	}

	rep.SlideCount = len(deck.Slides)
	return rep, nil
}

func reduceQuestion(ic interactiveContent, questionType string) Question {
	if questionType == "" {
		questionType = "unknown"
	}

	choices := make([]Choice, 0, len(ic.Choices))
	hasMarkedCorrect := false
	for _, c := range ic.Choices {
		if title := PlainText(c.Title); title != "" {
			choices = append(choices, Choice{Title: title})
		}
		if c.MarkedCorrect != nil && *c.MarkedCorrect {
			hasMarkedCorrect = true
		}
	}

	hasCorrect := hasMarkedCorrect ||
		(ic.CorrectAnswerMode != nil && *ic.CorrectAnswerMode != "disabled")

	var responseRange *ResponseRange
	if ic.ResponseRange != nil && (ic.ResponseRange.Min != nil || ic.ResponseRange.Max != nil) {
		responseRange = &ResponseRange{Min: ic.ResponseRange.Min, Max: ic.ResponseRange.Max}
	}

	maxEntriesDefined := ic.MaxEntries != nil
	if ic.VoteSettings != nil {
		maxEntriesDefined = maxEntriesDefined ||
			ic.VoteSettings.MaxEntries != nil ||
			ic.VoteSettings.MaxEntriesPerResponse != nil
	}

	return Question{
		QuestionTitle:       PlainText(ic.Title),
		QuestionDescription: PlainText(ic.Description),
		QuestionType:        questionType,
		ResponsePolicy:      ic.ResponsePolicy,
		ResponseMode:        ic.ResponseMode,
		ChoiceCount:         len(ic.Choices),
		Choices:             choices,
		HasCorrectAnswers:   hasCorrect,
		ScoringEnabled:      ic.Scoring,
		CountdownEnabled:    ic.Countdown,
		HasResponseRange:    responseRange != nil,
		ResponseRange:       responseRange,
		MaxEntriesDefined:   maxEntriesDefined,
	}
}

func enabledScope(scope *string) bool {
	return scope != nil && *scope != "disabled"
}
