package main

// tokenizer module implements BERT WordPiece tokenization
//
// Copyright (c) 2023 - Valentin Kuznetsov <vkuznet@gmail.com>
//

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// special tokens of BERT vocabulary
const (
	clsToken = "[CLS]"
	sepToken = "[SEP]"
	unkToken = "[UNK]"
)

// words longer than this number of runes are mapped to unknown token
const maxWordRunes = 100

// Tokenizer implements BERT basic and WordPiece tokenization
type Tokenizer struct {
	Vocab     map[string]int // token to id mapping
	LowerCase bool           // lower case and strip accents
	MaxLength int            // maximum sequence length including special tokens
}

// tokenizerConfig represents subset of tokenizer_config.json
type tokenizerConfig struct {
	DoLowerCase    *bool   `json:"do_lower_case"`
	ModelMaxLength float64 `json:"model_max_length"`
}

// LoadTokenizer loads vocab.txt and optional tokenizer_config.json from
// given directory
func LoadTokenizer(dir string, maxLength int) (*Tokenizer, error) {
	vocab, err := readVocab(filepath.Join(dir, "vocab.txt"))
	if err != nil {
		return nil, err
	}
	for _, tok := range []string{clsToken, sepToken, unkToken} {
		if _, ok := vocab[tok]; !ok {
			return nil, fmt.Errorf("vocabulary has no %s token", tok)
		}
	}
	t := &Tokenizer{Vocab: vocab, LowerCase: true, MaxLength: maxLength}
	data, err := os.ReadFile(filepath.Join(dir, "tokenizer_config.json"))
	if err == nil {
		var cfg tokenizerConfig
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("unable to parse tokenizer_config.json: %w", err)
		}
		if cfg.DoLowerCase != nil {
			t.LowerCase = *cfg.DoLowerCase
		}
		if cfg.ModelMaxLength > 2 && cfg.ModelMaxLength < float64(t.MaxLength) {
			t.MaxLength = int(cfg.ModelMaxLength)
		}
	}
	return t, nil
}

// helper function to read WordPiece vocabulary, one token per line
func readVocab(fname string) (map[string]int, error) {
	file, err := os.Open(filepath.Clean(fname))
	if err != nil {
		return nil, err
	}
	defer file.Close()
	vocab := make(map[string]int)
	scanner := bufio.NewScanner(file)
	idx := 0
	for scanner.Scan() {
		tok := strings.TrimRight(scanner.Text(), "\r\n")
		if _, ok := vocab[tok]; !ok {
			vocab[tok] = idx
		}
		idx++
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(vocab) == 0 {
		return nil, fmt.Errorf("empty vocabulary %s", fname)
	}
	return vocab, nil
}

// Encode converts text into token ids wrapped with [CLS] and [SEP]
func (t *Tokenizer) Encode(text string) []int {
	tokens := t.Tokenize(text)
	if t.MaxLength > 2 && len(tokens) > t.MaxLength-2 {
		tokens = tokens[:t.MaxLength-2]
	}
	ids := make([]int, 0, len(tokens)+2)
	ids = append(ids, t.Vocab[clsToken])
	for _, tok := range tokens {
		ids = append(ids, t.Vocab[tok])
	}
	ids = append(ids, t.Vocab[sepToken])
	return ids
}

// Tokenize splits text into WordPiece tokens
func (t *Tokenizer) Tokenize(text string) []string {
	var out []string
	for _, word := range t.basicTokenize(text) {
		out = append(out, t.wordPiece(word)...)
	}
	return out
}

// helper function to perform basic tokenization: cleanup, CJK and
// punctuation splitting, lower casing
func (t *Tokenizer) basicTokenize(text string) []string {
	var sb strings.Builder
	for _, r := range text {
		switch {
		case r == 0 || r == unicode.ReplacementChar || isControl(r):
			continue
		case isWhitespace(r):
			sb.WriteRune(' ')
		case isCJK(r):
			sb.WriteRune(' ')
			sb.WriteRune(r)
			sb.WriteRune(' ')
		default:
			sb.WriteRune(r)
		}
	}
	var words []string
	for _, word := range strings.Fields(sb.String()) {
		if t.LowerCase {
			word = stripAccents(strings.ToLower(word))
		}
		words = append(words, splitPunctuation(word)...)
	}
	return words
}

// helper function to apply greedy longest-match-first WordPiece algorithm
func (t *Tokenizer) wordPiece(word string) []string {
	runes := []rune(word)
	if len(runes) > maxWordRunes {
		return []string{unkToken}
	}
	var pieces []string
	start := 0
	for start < len(runes) {
		end := len(runes)
		found := ""
		for start < end {
			sub := string(runes[start:end])
			if start > 0 {
				sub = "##" + sub
			}
			if _, ok := t.Vocab[sub]; ok {
				found = sub
				break
			}
			end--
		}
		if found == "" {
			return []string{unkToken}
		}
		pieces = append(pieces, found)
		start = end
	}
	return pieces
}

// helper function to remove combining marks after NFD decomposition
func stripAccents(s string) string {
	var sb strings.Builder
	for _, r := range norm.NFD.String(s) {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// helper function to split word on punctuation characters
func splitPunctuation(word string) []string {
	var out []string
	var cur []rune
	for _, r := range word {
		if isPunctuation(r) {
			if len(cur) > 0 {
				out = append(out, string(cur))
				cur = cur[:0]
			}
			out = append(out, string(r))
			continue
		}
		cur = append(cur, r)
	}
	if len(cur) > 0 {
		out = append(out, string(cur))
	}
	return out
}

func isWhitespace(r rune) bool {
	if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
		return true
	}
	return unicode.Is(unicode.Zs, r)
}

func isControl(r rune) bool {
	if r == '\t' || r == '\n' || r == '\r' {
		return false
	}
	return unicode.In(r, unicode.Cc, unicode.Cf)
}

// ASCII symbols like $ or ^ are not unicode punctuation but BERT treats
// them as such
func isPunctuation(r rune) bool {
	if (r >= 33 && r <= 47) || (r >= 58 && r <= 64) || (r >= 91 && r <= 96) || (r >= 123 && r <= 126) {
		return true
	}
	return unicode.IsPunct(r)
}

func isCJK(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) ||
		(r >= 0x3400 && r <= 0x4DBF) ||
		(r >= 0x20000 && r <= 0x2A6DF) ||
		(r >= 0x2A700 && r <= 0x2B73F) ||
		(r >= 0x2B740 && r <= 0x2B81F) ||
		(r >= 0x2B820 && r <= 0x2CEAF) ||
		(r >= 0xF900 && r <= 0xFAFF) ||
		(r >= 0x2F800 && r <= 0x2FA1F)
}
