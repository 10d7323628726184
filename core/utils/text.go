package utils

import "unicode/utf8"

// CompleteRunes 返回 b 中以完整字符结尾的最长前缀长度
// 末尾被截断的多字节字符（最多 UTFMax-1 字节）不计入
func CompleteRunes(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-(utf8.UTFMax-1); i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if utf8.FullRune(b[i:]) {
			return len(b)
		}
		return i
	}
	return len(b)
}

// TruncateString 按字节上限截断，但不会切开多字节字符
func TruncateString(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
