package app_test

import "github.com/programme-lv/grader/catalog"

func catalogCode(id string, delta float64) catalog.ErrorCode {
	return catalog.ErrorCode{ID: id, Label: "label " + id, DefaultDelta: delta}
}
