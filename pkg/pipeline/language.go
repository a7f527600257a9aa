// Copyright 2025 The Trendwatch Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pipeline

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/pemistahl/lingua-go"
)

// LanguageUndetermined is assigned when detection cannot commit.
const LanguageUndetermined = "und"

// minDetectionRunes is the shortest text the detector is trusted on.
const minDetectionRunes = 20

// LanguageStage tags each surviving item with its detected language.
// Detection is deterministic for identical input.
type LanguageStage struct {
	detector lingua.LanguageDetector
}

// NewLanguageStage builds the detector over all supported languages.
func NewLanguageStage() *LanguageStage {
	return &LanguageStage{
		detector: lingua.NewLanguageDetectorBuilder().
			FromAllLanguages().
			WithPreloadedLanguageModels().
			Build(),
	}
}

func (s *LanguageStage) Name() string { return "language" }

func (s *LanguageStage) Offloadable() bool { return true }

func (s *LanguageStage) Execute(_ context.Context, b *Batch) error {
	for _, w := range b.Survivors() {
		if w.Item.Language != "" {
			continue
		}
		w.Item.Language = s.detect(w.Item.Title + " " + w.Item.Content)
	}
	return nil
}

func (s *LanguageStage) detect(text string) string {
	if utf8.RuneCountInString(text) < minDetectionRunes {
		return LanguageUndetermined
	}
	lang, ok := s.detector.DetectLanguageOf(text)
	if !ok {
		return LanguageUndetermined
	}
	return strings.ToLower(lang.IsoCode639_1().String())
}
