// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package corpus

import (
	"regexp"
	"strings"
)

// Sentence splitting keeps the terminator attached to its sentence and
// breaks on whitespace that follows it. Word tokenization separates
// punctuation runs from word characters, so "don't." becomes
// ["don", "'", "t", "."]. Deliberately simple: the vocabulary treats
// every distinct string as a token either way.
var (
	sentenceBoundary = regexp.MustCompile(`([.!?]+)\s+`)
	wordPattern      = regexp.MustCompile(`[\p{L}\p{N}_]+|[^\p{L}\p{N}_\s]+`)
)

// Sentences splits text into sentences.
func Sentences(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	marked := sentenceBoundary.ReplaceAllString(text, "$1\x00")
	parts := strings.Split(marked, "\x00")

	sentences := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			sentences = append(sentences, part)
		}
	}
	return sentences
}

// Words tokenizes one sentence into word and punctuation tokens.
func Words(sentence string) []string {
	return wordPattern.FindAllString(sentence, -1)
}
