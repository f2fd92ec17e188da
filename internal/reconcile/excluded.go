package reconcile

import "strings"

// 上游明显只用于测试的单元名称（精确匹配，忽略首尾空白）。
var excludedNames = map[string]struct{}{
	"testhuette_elca, ELCA":                           {},
	"ZZZ TEST Monbijouhütte, SAC GS":                  {},
	"TEST123, TEST":                                   {},
	"ZZZ TEST, TEST":                                  {},
	"AV Testhütte, DAV Bundesgeschäftsstelle":         {},
	"Test":                                            {},
	"Domžalski dom Test":                              {},
	"ZZZ TEST - Demo Cabane CAS Gruyere, CAS Gruyere": {},
	"Testhütte Carolin":                               {},
}

// IsExcluded 报告该名称是否在排除名单中。
func IsExcluded(name string) bool {
	_, ok := excludedNames[strings.TrimSpace(name)]
	return ok
}
