package ref

import (
	"errors"
	"testing"

	"github.com/FocuswithJustin/hypomnema/core/canon"
	herrors "github.com/FocuswithJustin/hypomnema/core/errors"
)

func TestFormat(t *testing.T) {
	tests := []struct {
		ref  Reference
		want string
	}{
		{New("John", 1, 1), "John 1:1"},
		{New("1 John", 3, 16), "1 John 3:16"},
		{New("Song of Solomon", 2, 4), "Song of Solomon 2:4"},
		{New("john", 1, 2), "john 1:2"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := Format(tt.ref); got != tt.want {
				t.Errorf("Format() = %q, want %q", got, tt.want)
			}
			if got := tt.ref.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		input string
		want  Reference
	}{
		{"John 1:1", New("John", 1, 1)},
		{"1 John 3:16", New("1 John", 3, 16)},
		{"Song of Solomon 8:14", New("Song of Solomon", 8, 14)},
		{"Psalms 119:176", New("Psalms", 119, 176)},
		{"2 Maccabees 15:39", New("2 Maccabees", 15, 39)},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := Parse(tt.input)
			if err != nil {
				t.Fatalf("Parse(%q) error = %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("Parse(%q) = %+v, want %+v", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseMalformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"no space", "John1:1"},
		{"no colon", "John 1 1"},
		{"chapter only", "John 1"},
		{"non-numeric verse", "John 1:a"},
		{"zero chapter", "John 0:1"},
		{"zero verse", "John 1:0"},
		{"unknown book", "Hezekiah 1:1"},
		{"wrong case", "john 1:1"},
		{"trailing garbage", "John 1:1 extra"},
		{"trailing space", "John 1:1 "},
		{"leading space", " John 1:1"},
		{"double space", "John  1:1"},
		{"tab separator", "John\t1:1"},
		{"tab in coordinate", "John 1:\t1"},
		{"leading zero chapter", "John 01:1"},
		{"leading zero verse", "John 1:001"},
		{"signed verse", "John 1:+1"},
		{"range", "John 1:1-3"},
		{"empty", ""},
		{"spaces only", "   "},
		{"book only", "John"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.input)
			if err == nil {
				t.Fatalf("Parse(%q) expected error", tt.input)
			}
			if !errors.Is(err, herrors.ErrMalformedReference) {
				t.Errorf("Parse(%q) error = %v, want ErrMalformedReference", tt.input, err)
			}
			var refErr *herrors.ReferenceError
			if !errors.As(err, &refErr) || refErr.Input != tt.input {
				t.Errorf("Parse(%q) error does not carry input: %v", tt.input, err)
			}
		})
	}
}

func TestRoundTrip(t *testing.T) {
	p := NewParser(nil)
	for _, b := range canon.Default().Books() {
		for ch := 1; ch <= b.ChapterCount(); ch++ {
			for _, v := range []int{1, b.VerseCount(ch)} {
				r := New(b.Name, ch, v)
				got, err := p.Parse(Format(r))
				if err != nil {
					t.Fatalf("Parse(Format(%+v)) error = %v", r, err)
				}
				if got != r {
					t.Fatalf("Parse(Format(%+v)) = %+v", r, got)
				}
			}
		}
	}
}

func TestParserCustomCanon(t *testing.T) {
	c, err := canon.New([]canon.Book{{Name: "john", Testament: canon.NewTestament, Verses: []int{51}}})
	if err != nil {
		t.Fatal(err)
	}
	p := NewParser(c)

	got, err := p.Parse("john 1:2")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if got != New("john", 1, 2) {
		t.Errorf("Parse() = %+v", got)
	}
	if _, err := p.Parse("John 1:2"); err == nil {
		t.Error("Parse(John 1:2) expected unknown book error")
	}
}

func TestRoundTripUnusualNames(t *testing.T) {
	names := []string{"Psalm 151", "Epistle of St. Paul", "Bel-and-the-Dragon", "Ode 2", "3 Baruch", "Ἰωάννης"}
	books := make([]canon.Book, len(names))
	for i, n := range names {
		books[i] = canon.Book{Name: n, Testament: canon.OldTestament, Verses: []int{12, 40}}
	}
	c, err := canon.New(books)
	if err != nil {
		t.Fatalf("canon.New() error = %v", err)
	}
	p := NewParser(c)

	for _, n := range names {
		for _, r := range []Reference{New(n, 1, 1), New(n, 2, 40), New(n, 151, 2)} {
			t.Run(Format(r), func(t *testing.T) {
				got, err := p.Parse(Format(r))
				if err != nil {
					t.Fatalf("Parse(%q) error = %v", Format(r), err)
				}
				if got != r {
					t.Errorf("Parse(%q) = %+v, want %+v", Format(r), got, r)
				}
			})
		}
	}

	rr, err := p.ParseRange("Psalm 151 1:2-2:3")
	if err != nil {
		t.Fatalf("ParseRange() error = %v", err)
	}
	if want := (Range{New("Psalm 151", 1, 2), New("Psalm 151", 2, 3)}); rr != want {
		t.Errorf("ParseRange() = %+v, want %+v", rr, want)
	}

	got, err := p.Normalize("  epistle of st.   paul 01:7 ")
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if got != New("Epistle of St. Paul", 1, 7) {
		t.Errorf("Normalize() = %+v", got)
	}
}

func TestParseRange(t *testing.T) {
	tests := []struct {
		input string
		want  Range
	}{
		{"John 1:1", Single(New("John", 1, 1))},
		{"John 1:1-5", Range{New("John", 1, 1), New("John", 1, 5)}},
		{"Matthew 5:1-7:29", Range{New("Matthew", 5, 1), New("Matthew", 7, 29)}},
		{"1 John 1:1-2:3", Range{New("1 John", 1, 1), New("1 John", 2, 3)}},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := NewParser(nil).ParseRange(tt.input)
			if err != nil {
				t.Fatalf("ParseRange(%q) error = %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("ParseRange(%q) = %+v, want %+v", tt.input, got, tt.want)
			}
			if got.String() != tt.input {
				t.Errorf("String() = %q, want %q", got.String(), tt.input)
			}
		})
	}

	for _, bad := range []string{"John 1:5-3", "John 2:1-1:9", "John 1:1-0", "John 1:1-"} {
		t.Run("bad "+bad, func(t *testing.T) {
			if _, err := NewParser(nil).ParseRange(bad); !errors.Is(err, herrors.ErrMalformedReference) {
				t.Errorf("ParseRange(%q) error = %v, want ErrMalformedReference", bad, err)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	p := NewParser(nil)
	tests := []struct {
		input string
		want  Reference
	}{
		{"john 1:1", New("John", 1, 1)},
		{"  1   john   3:16 ", New("1 John", 3, 16)},
		{"SONG OF SOLOMON 1:1", New("Song of Solomon", 1, 1)},
		{"Matt 5:3", New("Matthew", 5, 3)},
		{"John\t01:001", New("John", 1, 1)},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := p.Normalize(tt.input)
			if err != nil {
				t.Fatalf("Normalize(%q) error = %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("Normalize(%q) = %+v, want %+v", tt.input, got, tt.want)
			}
		})
	}

	if _, err := p.Normalize("john1:1"); !errors.Is(err, herrors.ErrMalformedReference) {
		t.Errorf("Normalize(john1:1) error = %v", err)
	}
}

func TestCompareAndContains(t *testing.T) {
	a := New("John", 1, 9)
	b := New("John", 1, 10)
	c := New("John", 2, 1)

	if Compare(a, b) >= 0 || Compare(b, c) >= 0 || Compare(c, a) <= 0 {
		t.Error("Compare() does not follow reading order")
	}
	if Compare(a, a) != 0 {
		t.Error("Compare(a, a) != 0")
	}

	rr := Range{Start: New("John", 1, 10), End: New("John", 2, 3)}
	tests := []struct {
		ref  Reference
		want bool
	}{
		{New("John", 1, 9), false},
		{New("John", 1, 10), true},
		{New("John", 1, 51), true},
		{New("John", 2, 3), true},
		{New("John", 2, 4), false},
		{New("Mark", 1, 20), false},
	}
	for _, tt := range tests {
		if got := rr.Contains(tt.ref); got != tt.want {
			t.Errorf("Contains(%v) = %v, want %v", tt.ref, got, tt.want)
		}
	}
}
