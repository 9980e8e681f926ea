package message

import "testing"

func TestSide_Invert(t *testing.T) {
	if Buy.Invert() != Sell || Sell.Invert() != Buy {
		t.Error("Invert is not symmetric")
	}
}

func TestGroupCancelMode_Has(t *testing.T) {
	tests := []struct {
		name string
		mode GroupCancelMode
		want map[GroupCancelMode]bool
	}{
		{"orders only", CancelOrders, map[GroupCancelMode]bool{CancelOrders: true, ClosePositions: false}},
		{"positions only", ClosePositions, map[GroupCancelMode]bool{CancelOrders: false, ClosePositions: true}},
		{"both", CancelOrders | ClosePositions, map[GroupCancelMode]bool{CancelOrders: true, ClosePositions: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for m, want := range tt.want {
				if got := tt.mode.Has(m); got != want {
					t.Errorf("Has(%b) = %v, want %v", m, got, want)
				}
			}
		})
	}
}

func TestStateStrings(t *testing.T) {
	tests := []struct {
		got  string
		want string
	}{
		{StateActive.String(), "active"},
		{StateDone.String(), "done"},
		{StateFailed.String(), "failed"},
		{StateNone.String(), "none"},
		{Buy.String(), "buy"},
		{Sell.String(), "sell"},
		{Market.String(), "market"},
		{Limit.String(), "limit"},
		{GTC.String(), "gtc"},
		{IOC.String(), "ioc"},
		{FOK.String(), "fok"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("got %q, want %q", tt.got, tt.want)
		}
	}
}
