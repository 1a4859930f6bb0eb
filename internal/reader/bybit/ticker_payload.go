package bybit

import "encoding/json"

// bybitEnvelope is the common shape of every public stream message. Data is
// decoded once the topic is known.
type bybitEnvelope struct {
	Topic string          `json:"topic"`
	Type  string          `json:"type"`
	Ts    int64           `json:"ts"`
	Data  json.RawMessage `json:"data"`

	Op      string `json:"op"`
	Success *bool  `json:"success"`
	RetMsg  string `json:"ret_msg"`
}

type bybitTrade struct {
	Time   int64  `json:"T"`
	Symbol string `json:"s"`
	Side   string `json:"S"`
	Size   string `json:"v"`
	Price  string `json:"p"`
	ID     string `json:"i"`
}

// bybitTickerEntry holds a linear ticker. Delta messages only carry the
// fields that changed, so entries are merged per symbol.
type bybitTickerEntry struct {
	Symbol          string `json:"symbol"`
	LastPrice       string `json:"lastPrice"`
	MarkPrice       string `json:"markPrice"`
	IndexPrice      string `json:"indexPrice"`
	OpenInterest    string `json:"openInterest"`
	FundingRate     string `json:"fundingRate"`
	NextFundingTime string `json:"nextFundingTime"`
}

func (e *bybitTickerEntry) merge(d bybitTickerEntry) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&e.Symbol, d.Symbol)
	set(&e.LastPrice, d.LastPrice)
	set(&e.MarkPrice, d.MarkPrice)
	set(&e.IndexPrice, d.IndexPrice)
	set(&e.OpenInterest, d.OpenInterest)
	set(&e.FundingRate, d.FundingRate)
	set(&e.NextFundingTime, d.NextFundingTime)
}
