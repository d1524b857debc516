package projector

import (
	"encoding/json"
	"testing"
	"testing/fstest"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/suite"

	"syncbridge/internal/envelope"
)

type ProjectorSuite struct {
	suite.Suite
	p *Projector
}

func TestProjectorSuite(t *testing.T) {
	suite.Run(t, new(ProjectorSuite))
}

func (s *ProjectorSuite) SetupTest() {
	s.p = Default()
}

func (s *ProjectorSuite) post(data map[string]any) *envelope.MetaEnvelope {
	meta, err := envelope.FromData("g-post", "SocialMediaPost", nil, data)
	s.Require().NoError(err)
	return meta
}

func (s *ProjectorSuite) TestProject() {
	s.Run("twitter renames", func() {
		out := s.p.Project(s.post(map[string]any{
			"text":         "hi",
			"userLikes":    []any{"u1"},
			"interactions": []any{"nice"},
		}), "twitter")
		s.Equal(map[string]any{"post": "hi", "reactions": []any{"u1"}, "comments": []any{"nice"}}, out)
	})

	s.Run("instagram drops fields it has no name for", func() {
		out := s.p.Project(s.post(map[string]any{
			"text":         "hi",
			"userLikes":    []any{"u1"},
			"interactions": []any{"nice"},
			"image":        "url",
		}), "instagram")
		s.Equal(map[string]any{"content": "hi", "likes": []any{"u1"}, "attachment": "url"}, out)
	})

	s.Run("absent source fields are omitted", func() {
		out := s.p.Project(s.post(map[string]any{"text": "hi"}), "twitter")
		s.Equal(map[string]any{"post": "hi"}, out)
	})

	s.Run("alternate source attribute", func() {
		out := s.p.Project(s.post(map[string]any{"content": "hello"}), "twitter")
		s.Equal(map[string]any{"post": "hello"}, out)
	})

	s.Run("first listed source wins", func() {
		out := s.p.Project(s.post(map[string]any{"text": "a", "content": "b"}), "twitter")
		s.Equal("a", out["post"])
	})

	s.Run("platform is case insensitive", func() {
		out := s.p.Project(s.post(map[string]any{"text": "hi"}), " Twitter ")
		s.Equal(map[string]any{"post": "hi"}, out)
	})

	s.Run("unknown platform is identity", func() {
		meta := s.post(map[string]any{"text": "hi", "image": "url"})
		out := s.p.Project(meta, "myspace")
		s.Equal(meta.Data(), out)

		out["text"] = "changed"
		s.Equal("hi", meta.Data()["text"])
	})

	s.Run("unknown ontology type is identity", func() {
		meta, err := envelope.FromData("g1", "User", nil, map[string]any{"displayName": "Ada"})
		s.Require().NoError(err)
		s.Equal(map[string]any{"displayName": "Ada"}, s.p.Project(meta, "twitter"))
	})

	s.Run("nil inputs never panic", func() {
		s.NotPanics(func() {
			s.Empty(s.p.Project(nil, "twitter"))
			var nilProjector *Projector
			s.Equal(map[string]any{"text": "hi"}, nilProjector.Project(s.post(map[string]any{"text": "hi"}), "twitter"))
		})
	})

	s.Run("deterministic", func() {
		meta := s.post(map[string]any{"text": "hi", "userLikes": []any{"u1", "u2"}})
		s.Equal(s.p.Project(meta, "instagram"), s.p.Project(meta, "instagram"))
	})
}

func (s *ProjectorSuite) TestNew() {
	s.Run("rejects incomplete tables", func() {
		_, err := New(Table{Platform: "twitter"})
		s.Error(err)

		_, err = New(Table{OntologyType: "SocialMediaPost", Platform: "x", Renames: []Rename{{To: "post"}}})
		s.Error(err)
	})

	s.Run("platforms are listed per ontology", func() {
		s.Equal([]string{"instagram", "twitter"}, s.p.Platforms("SocialMediaPost"))
		s.Empty(s.p.Platforms("User"))
	})
}

func (s *ProjectorSuite) TestLoad() {
	fsys := fstest.MapFS{
		"projections.yaml": {Data: []byte(`
projections:
  - ontologyType: SocialMediaPost
    platform: twitter
    renames:
      - from: [text]
        to: tweet
  - ontologyType: SocialMediaPost
    platform: mastodon
    renames:
      - from: [text, content]
        to: status
`)},
		"broken.yaml": {Data: []byte("projections: [")},
	}

	s.Run("file tables override defaults", func() {
		p, err := Load(fsys, "projections.yaml")
		s.Require().NoError(err)
		meta := s.post(map[string]any{"text": "hi", "image": "url"})
		s.Equal(map[string]any{"tweet": "hi"}, p.Project(meta, "twitter"))
		s.Equal(map[string]any{"status": "hi"}, p.Project(meta, "mastodon"))
		s.Equal(map[string]any{"content": "hi", "attachment": "url"}, p.Project(meta, "instagram"))
	})

	s.Run("parse errors surface", func() {
		_, err := Load(fsys, "broken.yaml")
		s.Error(err)
	})

	s.Run("missing file", func() {
		_, err := Load(fsys, "nope.yaml")
		s.Error(err)
	})
}

func TestProjectGolden(t *testing.T) {
	p := Default()
	post, err := envelope.FromData("g-post", "SocialMediaPost", []string{"u1"}, map[string]any{
		"text":         "hi",
		"userLikes":    []any{"u1"},
		"interactions": []any{"nice"},
		"image":        "url",
	})
	if err != nil {
		t.Fatal(err)
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	for _, platform := range []string{"twitter", "instagram", "unknown"} {
		t.Run(platform, func(t *testing.T) {
			out, err := json.MarshalIndent(p.Project(post, platform), "", "  ")
			if err != nil {
				t.Fatal(err)
			}
			g.Assert(t, "post_"+platform, out)
		})
	}
}
