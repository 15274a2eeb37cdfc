package guard

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/abadojack/whatlanggo"
	"golang.org/x/sync/singleflight"

	"github.com/haasonsaas/agentrt/internal/cache"
)

// Classification is a content-category verdict for one text.
type Classification struct {
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
	Flagged    bool    `json:"flagged"`
}

// Classifier assigns a content category to text. Implementations may call
// a remote semantic model.
type Classifier interface {
	Classify(ctx context.Context, text string) (Classification, error)
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(ctx context.Context, text string) (Classification, error)

// Classify implements Classifier.
func (f ClassifierFunc) Classify(ctx context.Context, text string) (Classification, error) {
	return f(ctx, text)
}

// KeywordClassifier flags text containing any keyword of a category.
type KeywordClassifier struct {
	categories map[string][]string
}

// NewKeywordClassifier builds a classifier from category → keywords.
// Matching is case-insensitive.
func NewKeywordClassifier(categories map[string][]string) *KeywordClassifier {
	lowered := make(map[string][]string, len(categories))
	for cat, words := range categories {
		for _, w := range words {
			if w = strings.TrimSpace(strings.ToLower(w)); w != "" {
				lowered[cat] = append(lowered[cat], w)
			}
		}
	}
	return &KeywordClassifier{categories: lowered}
}

// Classify implements Classifier.
func (k *KeywordClassifier) Classify(_ context.Context, text string) (Classification, error) {
	lower := strings.ToLower(text)
	for cat, words := range k.categories {
		for _, w := range words {
			if strings.Contains(lower, w) {
				return Classification{Category: cat, Confidence: 1, Flagged: true}, nil
			}
		}
	}
	return Classification{Category: "safe", Confidence: 1}, nil
}

// LanguagePolicy restricts which languages are accepted.
type LanguagePolicy struct {
	// Allowed holds ISO 639-1 codes; empty allows every language.
	Allowed []string `yaml:"allowed"`

	// MinConfidence ignores detections below this confidence.
	MinConfidence float64 `yaml:"min_confidence"`

	// MinChars skips detection for short texts, where it is unreliable.
	MinChars int `yaml:"min_chars"`
}

// ClassificationConfig configures the classification stage.
type ClassificationConfig struct {
	StageOptions `yaml:",inline"`

	// BlockedCategories lists categories that reject when flagged.
	// Empty blocks every flagged category.
	BlockedCategories []string `yaml:"blocked_categories"`

	// MinConfidence ignores classifications below this confidence.
	MinConfidence float64 `yaml:"min_confidence"`

	Language LanguagePolicy `yaml:"language"`

	// Cache bounds classification memoization.
	Cache cache.Options `yaml:"cache"`

	// Timeout bounds one classifier call. The call is shared by concurrent
	// identical texts, so it does not end when one caller goes away.
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultClassificationConfig returns the standard settings.
func DefaultClassificationConfig() ClassificationConfig {
	return ClassificationConfig{
		StageOptions:  StageOptions{Order: OrderClassification, Enabled: true},
		MinConfidence: 0.5,
		Language:      LanguagePolicy{MinConfidence: 0.8, MinChars: 40},
		Timeout:       10 * time.Second,
	}
}

// ClassificationStage screens content categories. It is advisory: when the
// classifier fails the stage allows the request and logs the fault.
type ClassificationStage struct {
	base
	cfg        ClassificationConfig
	classifier Classifier
	memo       *cache.Store[Classification]
	group      singleflight.Group
	blocked    map[string]bool
	languages  map[string]bool
	logger     *slog.Logger
}

// NewClassificationStage creates the stage. memo may be nil to disable
// memoization; classifier may be nil to run only the language policy.
func NewClassificationStage(cfg ClassificationConfig, classifier Classifier, memo *cache.Store[Classification], logger *slog.Logger) *ClassificationStage {
	if logger == nil {
		logger = slog.Default()
	}
	s := &ClassificationStage{
		base:       newBase("classification", cfg.StageOptions),
		cfg:        cfg,
		classifier: classifier,
		memo:       memo,
		blocked:    make(map[string]bool),
		languages:  make(map[string]bool),
		logger:     logger.With("component", "guard", "stage", "classification"),
	}
	for _, c := range cfg.BlockedCategories {
		s.blocked[strings.ToLower(c)] = true
	}
	for _, l := range cfg.Language.Allowed {
		s.languages[strings.ToLower(l)] = true
	}
	return s
}

// Check implements Stage.
func (s *ClassificationStage) Check(ctx context.Context, cmd Command) (Result, error) {
	if res, ok := s.checkLanguage(cmd.Text); !ok {
		return res, nil
	}
	if s.classifier == nil {
		return Allow(), nil
	}

	c, err := s.classify(ctx, cmd.Text)
	if err != nil {
		s.logger.WarnContext(ctx, "classifier failed, allowing request", "error", err)
		return Allow(), nil
	}
	if !c.Flagged || c.Confidence < s.cfg.MinConfidence {
		return Allow(), nil
	}
	if len(s.blocked) > 0 && !s.blocked[strings.ToLower(c.Category)] {
		return Allow(), nil
	}
	return Reject(CategoryContent, fmt.Sprintf("content flagged as %s", c.Category)), nil
}

func (s *ClassificationStage) checkLanguage(text string) (Result, bool) {
	if len(s.languages) == 0 || len([]rune(text)) < s.cfg.Language.MinChars {
		return Allow(), true
	}
	info := whatlanggo.Detect(text)
	if info.Confidence < s.cfg.Language.MinConfidence {
		return Allow(), true
	}
	code := info.Lang.Iso6391()
	if code == "" || s.languages[code] {
		return Allow(), true
	}
	return Reject(CategoryContent, fmt.Sprintf("language %s is not supported", info.Lang.String())), false
}

// classify consults the memo, then collapses concurrent calls for the
// same text into one classifier request. A caller whose ctx ends stops
// waiting; the shared request keeps running for the others.
func (s *ClassificationStage) classify(ctx context.Context, text string) (Classification, error) {
	key := memoKey(text)
	if s.memo != nil {
		if c, ok := s.memo.Get(key); ok {
			return c, nil
		}
	}

	ch := s.group.DoChan(key, func() (any, error) {
		cctx := context.WithoutCancel(ctx)
		if s.cfg.Timeout > 0 {
			var cancel context.CancelFunc
			cctx, cancel = context.WithTimeout(cctx, s.cfg.Timeout)
			defer cancel()
		}
		c, err := s.classifier.Classify(cctx, text)
		if err != nil {
			return Classification{}, err
		}
		if s.memo != nil {
			s.memo.Set(key, c)
		}
		return c, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return Classification{}, res.Err
		}
		return res.Val.(Classification), nil
	case <-ctx.Done():
		return Classification{}, ctx.Err()
	}
}

func memoKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
