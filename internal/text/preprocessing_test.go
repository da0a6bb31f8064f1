package text_test

import (
	"testing"

	"github.com/book-expert/aitalk-service/internal/text"
	"github.com/stretchr/testify/assert"
)

func TestPreprocessor_PreprocessText(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "empty", input: "", expected: ""},
		{name: "only whitespace", input: " \n\t ", expected: ""},
		{name: "adds full stop", input: "こんにちは", expected: "こんにちは。"},
		{name: "keeps closing bracket", input: "「はい」", expected: "「はい」"},
		{name: "full-width ascii folded", input: "ＡＢＣ１２３です", expected: "ABC123です。"},
		{name: "half-width katakana widened", input: "ｶﾀｶﾅ。", expected: "カタカナ。"},
		{name: "japanese line break joined", input: "吾輩は\n猫である。", expected: "吾輩は猫である。"},
		{name: "latin line break kept as space", input: "Hello\r\nworld.", expected: "Hello world."},
		{name: "mixed script spacing kept", input: "Go 言語", expected: "Go 言語。"},
		{name: "reference markers removed", input: "参照[12]と※3を見る。", expected: "参照とを見る。"},
		{name: "reference ranges removed", input: "諸説ある[1-3]。", expected: "諸説ある。"},
		{name: "url removed", input: "詳細は https://example.com/a を見て", expected: "詳細はを見て。"},
		{name: "email removed", input: "連絡先 info@example.com まで", expected: "連絡先まで。"},
		{name: "repeated punctuation collapsed", input: "すごい！！！", expected: "すごい!"},
		{name: "distinct punctuation kept", input: "「本当？」。", expected: "「本当?」。"},
	}

	preprocessor := text.NewPreprocessor()

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tc.expected, preprocessor.PreprocessText(tc.input))
		})
	}
}
