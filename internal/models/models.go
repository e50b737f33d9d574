package models

import "time"

// StyleKey identifies a main style in the catalog.
type StyleKey string

// SubstyleKey identifies a substyle within a main style.
type SubstyleKey string

// ImageRef is an opaque handle to an uploaded image held by the image store.
type ImageRef struct {
	Key string
	URL string
}

func (r ImageRef) IsZero() bool {
	return r.Key == ""
}

type Outcome string

const (
	OutcomeAttempted Outcome = "attempted"
	OutcomeSucceeded Outcome = "succeeded"
)

type User struct {
	ID         int64     `db:"id"`
	TelegramID int64     `db:"telegram_id"`
	Username   string    `db:"username"`
	FirstName  string    `db:"first_name"`
	LastName   string    `db:"last_name"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

type Balance struct {
	UserID    int64     `db:"user_id" json:"user_id"`
	Credits   int       `db:"credits" json:"credits"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at,omitempty"`
}

type Payment struct {
	ID             int64     `db:"id" json:"id"`
	UserID         int64     `db:"user_id" json:"user_id"`
	PacketKey      string    `db:"packet_key" json:"packet_key"`
	Provider       string    `db:"provider" json:"provider"`
	TelegramCharge string    `db:"telegram_charge_id" json:"telegram_charge_id"`
	ProviderCharge string    `db:"provider_charge_id" json:"provider_charge_id"`
	Currency       string    `db:"currency" json:"currency"`
	Amount         int       `db:"amount" json:"amount"`
	Credits        int       `db:"credits" json:"credits"`
	Status         string    `db:"status" json:"status"`
	RawPayload     string    `db:"raw_payload" json:"raw_payload"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

type Packet struct {
	Key             string `yaml:"key" json:"key"`
	Label           string `yaml:"label" json:"label"`
	PriceMinorUnits int    `yaml:"price_minor_units" json:"price_minor_units"`
	Credits         int    `yaml:"credits" json:"credits"`
}

// StatRow is one persisted analytics counter.
type StatRow struct {
	Style    string  `db:"style_key"`
	Substyle string  `db:"substyle_key"`
	Outcome  Outcome `db:"outcome"`
	Count    int64   `db:"count"`
}

type StyleCounters struct {
	Total     int64            `json:"total"`
	Substyles map[string]int64 `json:"substyles"`
}

type AnalyticsCounters struct {
	Total  int64                    `json:"total"`
	Styles map[string]StyleCounters `json:"styles"`
}

type AnalyticsReport struct {
	Attempted AnalyticsCounters `json:"attempted"`
	Succeeded AnalyticsCounters `json:"succeeded"`
}

// BuildReport folds raw counter rows into nested per-outcome counters.
func BuildReport(rows []StatRow) AnalyticsReport {
	report := AnalyticsReport{
		Attempted: AnalyticsCounters{Styles: map[string]StyleCounters{}},
		Succeeded: AnalyticsCounters{Styles: map[string]StyleCounters{}},
	}
	for _, row := range rows {
		var target *AnalyticsCounters
		switch row.Outcome {
		case OutcomeAttempted:
			target = &report.Attempted
		case OutcomeSucceeded:
			target = &report.Succeeded
		default:
			continue
		}
		target.Total += row.Count
		style := target.Styles[row.Style]
		if style.Substyles == nil {
			style.Substyles = map[string]int64{}
		}
		style.Total += row.Count
		style.Substyles[row.Substyle] += row.Count
		target.Styles[row.Style] = style
	}
	return report
}

// Button is an inline action attached to an outgoing message.
type Button struct {
	Text string
	Data string
}

// Reply describes an outgoing text message. Keyboard rows become a reply
// keyboard; Inline rows become inline buttons. RemoveKeyboard hides any reply
// keyboard currently shown.
type Reply struct {
	Text           string
	Markdown       bool
	Keyboard       [][]string
	OneTime        bool
	Inline         [][]Button
	RemoveKeyboard bool
}

type Photo struct {
	Data    []byte
	Name    string
	Caption string
	Inline  [][]Button
}

// NegativePrompt is sent with every generation request.
const NegativePrompt = "blurry, distorted face, extra fingers, bad anatomy, low quality, text, watermark"

type GenerationParams struct {
	NumOutputs     int
	GuidanceScale  float64
	InferenceSteps int
	Scheduler      string
}

func DefaultGenerationParams() GenerationParams {
	return GenerationParams{
		NumOutputs:     1,
		GuidanceScale:  7.5,
		InferenceSteps: 30,
		Scheduler:      "K_EULER",
	}
}

// InputImage is the user's photo as handed to a backend. URL is set when the
// image store exposes it publicly; Data always carries the bytes.
type InputImage struct {
	URL      string
	Data     []byte
	MimeType string
}

type GenerationRequest struct {
	Image          InputImage
	Prompt         string
	NegativePrompt string
	Params         GenerationParams
}

type GeneratedImage struct {
	Data     []byte
	MimeType string
}
