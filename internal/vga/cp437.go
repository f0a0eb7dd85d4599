package vga

// Glyphs for code page 437, the character set of the VGA text-mode font.
const (
	cp437Low  = " ☺☻♥♦♣♠•◘○◙♂♀♪♫☼►◄↕‼¶§▬↨↑↓→←∟↔▲▼"
	cp437High = "ÇüéâäàåçêëèïîìÄÅÉæÆôöòûùÿÖÜ¢£¥₧ƒáíóúñÑªº¿⌐¬½¼¡«»░▒▓│┤╡╢╖╕╣║╗╝╜╛┐" +
		"└┴┬├─┼╞╟╚╔╩╦╠═╬╧╨╤╥╙╘╒╓╫╪┘┌█▄▌▐▀αßΓπΣσµτΦΘΩδ∞φε∩≡±≥≤⌠⌡÷≈°∙·√ⁿ²■\u00a0"
)

var cp437 = func() [256]rune {
	var table [256]rune
	for i, r := range []rune(cp437Low) {
		table[i] = r
	}
	for i := 0x20; i < 0x7F; i++ {
		table[i] = rune(i)
	}
	table[0x7F] = '⌂'
	for i, r := range []rune(cp437High) {
		table[0x80+i] = r
	}
	return table
}()

// Glyph returns the rune drawn for character byte c.
func Glyph(c byte) rune {
	return cp437[c]
}
