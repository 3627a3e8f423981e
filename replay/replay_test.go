package replay

import "testing"

func TestFirstFrameFromSourceNeverReplayed(t *testing.T) {
	c := New()
	isReplay, _ := c.CheckAndUpdate(0x0001, 0, 1, nil)
	if isReplay {
		t.Error("the first frame seen from a source should never be a replay")
	}
}

func TestStaleSeqIsReplay(t *testing.T) {
	c := New()
	c.CheckAndUpdate(0x0001, 0, 10, nil)
	if isReplay, _ := c.CheckAndUpdate(0x0001, 0, 5, nil); !isReplay {
		t.Error("a seq lower than the last accepted one should be a replay")
	}
	if isReplay, _ := c.CheckAndUpdate(0x0001, 0, 10, nil); !isReplay {
		t.Error("repeating the exact same seq should be a replay")
	}
}

func TestHigherIVIAlwaysWins(t *testing.T) {
	c := New()
	c.CheckAndUpdate(0x0001, 0, 0xFFFFFF, nil)
	if isReplay, _ := c.CheckAndUpdate(0x0001, 1, 0, nil); isReplay {
		t.Error("a higher ivi with a lower seq should not be a replay: ivi dominates")
	}
}

func TestIndependentSourcesDoNotInterfere(t *testing.T) {
	c := New()
	c.CheckAndUpdate(0x0001, 0, 100, nil)
	if isReplay, _ := c.CheckAndUpdate(0x0002, 0, 1, nil); isReplay {
		t.Error("a different source's low seq should not be treated as a replay")
	}
}

func TestSeqZeroDedupForCompletedSegmentedMessage(t *testing.T) {
	c := New()
	sz := uint16(0x0042)
	c.CheckAndUpdate(0x0001, 0, 1, &sz)

	// A later segment of the same already-seen transfer: higher seq,
	// same seq_zero, must be flagged so the stack doesn't redeliver.
	if _, isReplaySZ := c.CheckAndUpdate(0x0001, 0, 2, &sz); !isReplaySZ {
		t.Error("a repeated seq_zero under the same ivi should be flagged for dedup")
	}
}

func TestSeqZeroDedupDoesNotApplyAcrossIVIndex(t *testing.T) {
	c := New()
	sz := uint16(0x0042)
	c.CheckAndUpdate(0x0001, 0, 1, &sz)
	if _, isReplaySZ := c.CheckAndUpdate(0x0001, 1, 0, &sz); isReplaySZ {
		t.Error("seq_zero dedup should not carry across an ivi change")
	}
}
