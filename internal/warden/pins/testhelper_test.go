package pins

import (
	"testing"

	"gitlab.com/hyrule/warden/internal/testhelper"
)

func TestMain(m *testing.M) {
	testhelper.Run(m)
}
