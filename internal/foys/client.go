package foys

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// JSONGetter fetches a URL and decodes its JSON body; found=false means the
// resource does not exist (or its payload was unusable).
type JSONGetter interface {
	GetJSON(ctx context.Context, url string, query url.Values, out any) (bool, error)
}

// Client is a typed view over the Foys public tournament API.
type Client struct {
	fetcher      JSONGetter
	baseURL      string
	federationID string
}

// NewClient builds a Client scoped to one federation.
func NewClient(fetcher JSONGetter, baseURL, federationID string) *Client {
	return &Client{
		fetcher:      fetcher,
		baseURL:      strings.TrimRight(baseURL, "/"),
		federationID: federationID,
	}
}

type listEnvelope struct {
	Items []json.RawMessage `json:"items"`
}

type idNameStub struct {
	ID   any    `json:"id"`
	Name string `json:"name"`
}

// Seasons lists every season of the federation.
func (c *Client) Seasons(ctx context.Context) ([]Season, error) {
	q := url.Values{}
	q.Set("federationId", c.federationID)

	var envelope listEnvelope
	found, err := c.fetcher.GetJSON(ctx, c.baseURL+"/seasons", q, &envelope)
	if err != nil {
		return nil, fmt.Errorf("list seasons: %w", err)
	}
	if !found {
		return nil, nil
	}

	seasons := make([]Season, 0, len(envelope.Items))
	for _, raw := range envelope.Items {
		var stub idNameStub
		if err := json.Unmarshal(raw, &stub); err != nil {
			return nil, fmt.Errorf("decode season: %w", err)
		}
		id, err := ParseID(stub.ID)
		if err != nil {
			return nil, fmt.Errorf("season id: %w", err)
		}
		seasons = append(seasons, Season{
			ID:       id,
			RemoteID: remoteID(stub.ID),
			Name:     stub.Name,
			Raw:      raw,
		})
	}
	return seasons, nil
}

// Tournaments lists the tournaments of one season that have results.
func (c *Client) Tournaments(ctx context.Context, season Season) ([]Tournament, error) {
	q := url.Values{}
	q.Set("federationId", c.federationID)
	q.Set("seasonId", season.RemoteID)
	q.Set("pageSize", "1000")
	q.Set("registrationsFilter", "false")
	q.Set("resultsFilter", "true")

	var envelope listEnvelope
	found, err := c.fetcher.GetJSON(ctx, c.baseURL+"/tournaments", q, &envelope)
	if err != nil {
		return nil, fmt.Errorf("list tournaments for season %s: %w", season.RemoteID, err)
	}
	if !found {
		return nil, nil
	}

	tournaments := make([]Tournament, 0, len(envelope.Items))
	for _, raw := range envelope.Items {
		var stub idNameStub
		if err := json.Unmarshal(raw, &stub); err != nil {
			return nil, fmt.Errorf("decode tournament: %w", err)
		}
		id, err := ParseID(stub.ID)
		if err != nil {
			return nil, fmt.Errorf("tournament id: %w", err)
		}
		tournaments = append(tournaments, Tournament{
			ID:       id,
			RemoteID: remoteID(stub.ID),
			SeasonID: season.ID,
			Name:     stub.Name,
			Raw:      raw,
		})
	}
	return tournaments, nil
}

// Matches expands one tournament into its matches and embedded races.
func (c *Client) Matches(ctx context.Context, tournamentRemoteID string) ([]Match, error) {
	q := url.Values{}
	q.Set("tournamentId", tournamentRemoteID)
	q.Set("raceResults", "true")
	q.Set("orderByMatchBoatCategoryCodes", "true")

	var items []json.RawMessage
	found, err := c.fetcher.GetJSON(ctx, c.baseURL+"/matches", q, &items)
	if err != nil {
		return nil, fmt.Errorf("list matches for tournament %s: %w", tournamentRemoteID, err)
	}
	if !found {
		return nil, nil
	}

	matches := make([]Match, 0, len(items))
	for _, raw := range items {
		var stub struct {
			ID    any               `json:"id"`
			Races []json.RawMessage `json:"races"`
		}
		if err := json.Unmarshal(raw, &stub); err != nil {
			return nil, fmt.Errorf("decode match: %w", err)
		}
		id, err := ParseID(stub.ID)
		if err != nil {
			return nil, fmt.Errorf("match id: %w", err)
		}
		match := Match{ID: id, Raw: raw}
		for _, raceRaw := range stub.Races {
			var raceStub struct {
				ID any `json:"id"`
			}
			if err := json.Unmarshal(raceRaw, &raceStub); err != nil {
				return nil, fmt.Errorf("decode race: %w", err)
			}
			raceID, err := ParseID(raceStub.ID)
			if err != nil {
				return nil, fmt.Errorf("race id: %w", err)
			}
			match.Races = append(match.Races, Race{ID: raceID, Raw: raceRaw})
		}
		matches = append(matches, match)
	}
	return matches, nil
}

// PersonDetail fetches the detailed record for one person; found=false when
// the API has no such person.
func (c *Client) PersonDetail(ctx context.Context, personRemoteID string) (json.RawMessage, bool, error) {
	var raw json.RawMessage
	found, err := c.fetcher.GetJSON(ctx, c.baseURL+"/persons/"+personRemoteID, nil, &raw)
	if err != nil {
		return nil, false, fmt.Errorf("person detail %s: %w", personRemoteID, err)
	}
	return raw, found, nil
}

// PersonOverview fetches the aggregated race results for one person.
func (c *Client) PersonOverview(ctx context.Context, personRemoteID string) (json.RawMessage, bool, error) {
	var raw json.RawMessage
	found, err := c.fetcher.GetJSON(ctx, c.baseURL+"/races/person-overview-results/"+personRemoteID, nil, &raw)
	if err != nil {
		return nil, false, fmt.Errorf("person overview %s: %w", personRemoteID, err)
	}
	return raw, found, nil
}

// ExtractPersons pulls the inline person references out of one race payload
// (raceTeams → teamVersion → teamMembers → person).
func ExtractPersons(raceRaw json.RawMessage) ([]PersonRef, error) {
	var race struct {
		RaceTeams []struct {
			TeamVersion struct {
				TeamMembers []struct {
					Person json.RawMessage `json:"person"`
				} `json:"teamMembers"`
			} `json:"teamVersion"`
		} `json:"raceTeams"`
	}
	if err := json.Unmarshal(raceRaw, &race); err != nil {
		return nil, fmt.Errorf("decode race teams: %w", err)
	}

	var refs []PersonRef
	for _, team := range race.RaceTeams {
		for _, member := range team.TeamVersion.TeamMembers {
			if len(member.Person) == 0 {
				continue
			}
			var stub struct {
				PersonID any `json:"personId"`
			}
			if err := json.Unmarshal(member.Person, &stub); err != nil {
				continue
			}
			if stub.PersonID == nil {
				continue
			}
			id, err := ParseID(stub.PersonID)
			if err != nil {
				continue
			}
			refs = append(refs, PersonRef{
				ID:       id,
				RemoteID: remoteID(stub.PersonID),
				Raw:      member.Person,
			})
		}
	}
	return refs, nil
}

// remoteID renders the remote identifier the way the API expects it back in
// query parameters and paths.
func remoteID(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%d", uint64(v))
	case json.Number:
		return v.String()
	default:
		return fmt.Sprintf("%v", value)
	}
}
