package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPlainText(t *testing.T) {
	body := `<h1>Race Update</h1><p>Stage&nbsp;3 starts at <b>08:00</b>.</p>` +
		`<ul><li>Bring water</li></ul><script>alert(1)</script>`
	assert.Equal(t, "Race Update\n\nStage 3 starts at 08:00.\n\n- Bring water", PlainText(body))
}

func TestPlainTextLinksAndBreaks(t *testing.T) {
	body := `Results are <a href="https://rally.test/results">online</a><br/>See you &amp; good luck`
	assert.Equal(t, "Results are online (https://rally.test/results)\nSee you & good luck", PlainText(body))
}

func TestPlainTextOfPlainInput(t *testing.T) {
	assert.Equal(t, "just text", PlainText("  just   text "))
	assert.Equal(t, "", PlainText(""))
}
