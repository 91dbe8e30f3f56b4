package domain

const (
	EventNameRaceFinished        = "race.finished"
	EventNameMatchRecorded       = "match.recorded"
	EventNameTournamentCompleted = "tournament.completed"
)

type EventRaceFinished struct {
	RoomID    string
	Passage   string
	Duration  int
	Standings []Standing
}

func (EventRaceFinished) Name() string { return EventNameRaceFinished }

type EventMatchRecorded struct {
	Match MatchRecord
	Stats UserStats
}

func (EventMatchRecorded) Name() string { return EventNameMatchRecorded }

type EventTournamentCompleted struct {
	Tournament Tournament
}

func (EventTournamentCompleted) Name() string { return EventNameTournamentCompleted }
