package oracle

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
)

func addressTopic(addr common.Address) common.Hash {
	return common.BytesToHash(common.LeftPadBytes(addr.Bytes(), 32))
}

func TestParseLogRequestSubmitted(t *testing.T) {
	requester := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	event := registryMeta.Events["RequestSubmitted"]
	data, err := event.Inputs.NonIndexed().Pack(
		"bafkreigh2akiscaildcqabsyg3dfr6chu3fgpregiymsck7e7aqa4s52zy",
		"sports",
		big.NewInt(1700000000),
		big.NewInt(1700003600),
		big.NewInt(5000),
		big.NewInt(1000),
	)
	if err != nil {
		t.Fatalf("pack event data: %v", err)
	}

	parsed, err := ParseLog(coretypes.Log{
		Topics: []common.Hash{
			event.ID,
			common.BigToHash(big.NewInt(42)),
			addressTopic(requester),
		},
		Data: data,
	})
	if err != nil {
		t.Fatalf("ParseLog: %v", err)
	}
	ev, ok := parsed.(*RequestSubmitted)
	if !ok {
		t.Fatalf("expected *RequestSubmitted, got %T", parsed)
	}
	if ev.RequestId.Int64() != 42 {
		t.Fatalf("request id = %s, want 42", ev.RequestId)
	}
	if ev.Requester != requester {
		t.Fatalf("requester = %s, want %s", ev.Requester.Hex(), requester.Hex())
	}
	if ev.Category != "sports" {
		t.Fatalf("category = %q, want sports", ev.Category)
	}
	if ev.Deadline.Int64() != 1700003600 {
		t.Fatalf("deadline = %s", ev.Deadline)
	}
	if ev.BondRequired.Int64() != 1000 {
		t.Fatalf("bond = %s", ev.BondRequired)
	}
}

func TestParseLogAnswerDisputed(t *testing.T) {
	disputer := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	event := registryMeta.Events["AnswerDisputed"]
	data, err := event.Inputs.NonIndexed().Pack(
		big.NewInt(7),
		[]byte(`{"answer":"2-1"}`),
		big.NewInt(1000),
		big.NewInt(0),
	)
	if err != nil {
		t.Fatalf("pack event data: %v", err)
	}

	parsed, err := ParseLog(coretypes.Log{
		Topics: []common.Hash{
			event.ID,
			common.BigToHash(big.NewInt(42)),
			common.BigToHash(big.NewInt(1)),
			addressTopic(disputer),
		},
		Data: data,
	})
	if err != nil {
		t.Fatalf("ParseLog: %v", err)
	}
	ev, ok := parsed.(*AnswerDisputed)
	if !ok {
		t.Fatalf("expected *AnswerDisputed, got %T", parsed)
	}
	if ev.RequestId.Int64() != 42 || ev.AnswerId.Int64() != 1 {
		t.Fatalf("ids = %s/%s", ev.RequestId, ev.AnswerId)
	}
	if ev.Disputer != disputer {
		t.Fatalf("disputer = %s", ev.Disputer.Hex())
	}
	if ev.OriginalAnswerId.Int64() != 0 {
		t.Fatalf("original answer id = %s", ev.OriginalAnswerId)
	}
}

func TestParseLogRequestFinalized(t *testing.T) {
	winner := common.HexToAddress("0x00000000000000000000000000000000000000cc")
	event := registryMeta.Events["RequestFinalized"]
	data, err := event.Inputs.NonIndexed().Pack(big.NewInt(5000))
	if err != nil {
		t.Fatalf("pack event data: %v", err)
	}

	parsed, err := ParseLog(coretypes.Log{
		Topics: []common.Hash{
			event.ID,
			common.BigToHash(big.NewInt(9)),
			common.BigToHash(big.NewInt(0)),
			addressTopic(winner),
		},
		Data: data,
	})
	if err != nil {
		t.Fatalf("ParseLog: %v", err)
	}
	ev, ok := parsed.(*RequestFinalized)
	if !ok {
		t.Fatalf("expected *RequestFinalized, got %T", parsed)
	}
	if ev.Winner != winner || ev.Reward.Int64() != 5000 {
		t.Fatalf("winner=%s reward=%s", ev.Winner.Hex(), ev.Reward)
	}
}

func TestParseLogUnknownEvent(t *testing.T) {
	if _, err := ParseLog(coretypes.Log{}); !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("expected ErrUnknownEvent for empty log, got %v", err)
	}
	if _, err := ParseLog(coretypes.Log{Topics: []common.Hash{common.HexToHash("0x01")}}); !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("expected ErrUnknownEvent for foreign topic, got %v", err)
	}
}
