// Package collate 提供与区域设置无关的大小写折叠，用于服务器标识和投票者名称的比较。
package collate

import (
	"strings"

	"golang.org/x/text/cases"
)

// Key 返回用于查找和存储键的折叠形式
func Key(s string) string {
	// cases.Caser 有状态，不能跨goroutine共享
	return cases.Fold().String(strings.TrimSpace(s))
}

// Equal 判断两个标识是否在忽略大小写时相等
func Equal(a, b string) bool {
	return Key(a) == Key(b)
}
