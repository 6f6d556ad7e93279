package aggregator

// Summary reports what one AggregateAndCleanup run wrote.
type Summary struct {
	HourStart int64
	// DayStart is zero unless a daily aggregate was due.
	DayStart        int64
	Snapshots       int
	DailyAggregates int
	Deleted         int64
}
