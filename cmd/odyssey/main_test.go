package main

import (
	"testing"

	_ "github.com/odyssey-erp/odyssey-fincore/internal/testing/guard"
)

func TestMainReturnsInTestMode(t *testing.T) {
	main()
}
