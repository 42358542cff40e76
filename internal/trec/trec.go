// Package trec reads the TREC-style files used to drive a site: relevance
// judgments (qrels), run files and topic sets.
package trec

import (
	"bufio"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/livinglabs/livelab/internal/evaluation"
	apperrors "github.com/livinglabs/livelab/internal/pkg/errors"
	"github.com/livinglabs/livelab/internal/pkg/hash"
)

// SiteID maps a local identifier to the identifier a site exposes to the
// platform: the hex SHA-1 of the local ID.
func SiteID(id string) string {
	return hash.SHA1(id)
}

// RunList is the ordered document list a run file holds for one query.
type RunList struct {
	QueryID string
	DocIDs  []string
}

// Topic is one query from a topic file.
type Topic struct {
	Number string `xml:"number,attr"`
	Query  string `xml:"query"`
}

type topicSet struct {
	Topics []Topic `xml:"topic"`
}

// LoadQrels reads a qrel file from disk.
func LoadQrels(path string) (evaluation.Judgments, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeNotFound, "opening qrels", err)
	}
	defer f.Close()
	return ParseQrels(f, path)
}

// ParseQrels parses lines of the form "qid iteration docid grade". Blank
// lines and lines starting with '#' are ignored.
func ParseQrels(r io.Reader, source string) (evaluation.Judgments, error) {
	judgments := make(evaluation.Judgments)

	err := scanFields(r, source, func(line int, fields []string) error {
		if len(fields) != 4 {
			return apperrors.MalformedInputError(source, line,
				fmt.Sprintf("qrel line needs 4 fields, got %d", len(fields)))
		}
		grade, err := strconv.Atoi(fields[3])
		if err != nil {
			return apperrors.MalformedInputError(source, line,
				fmt.Sprintf("relevance grade %q is not an integer", fields[3]))
		}
		judgments.Add(fields[0], fields[2], grade)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(judgments) == 0 {
		return nil, apperrors.MalformedInputError(source, 0, "qrels contain no judgments")
	}
	return judgments, nil
}

// LoadRun reads a run file from disk.
func LoadRun(path string) ([]RunList, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeNotFound, "opening run file", err)
	}
	defer f.Close()
	return ParseRun(f, path)
}

// ParseRun parses lines of the form "qid Q0 docid rank score tag" into one
// list per query. Queries keep the order of their first appearance and
// documents keep file order.
func ParseRun(r io.Reader, source string) ([]RunList, error) {
	var lists []RunList
	index := make(map[string]int)

	err := scanFields(r, source, func(line int, fields []string) error {
		if len(fields) != 6 {
			return apperrors.MalformedInputError(source, line,
				fmt.Sprintf("run line needs 6 fields, got %d", len(fields)))
		}
		if _, err := strconv.Atoi(fields[3]); err != nil {
			return apperrors.MalformedInputError(source, line,
				fmt.Sprintf("rank %q is not an integer", fields[3]))
		}

		qid := fields[0]
		i, ok := index[qid]
		if !ok {
			i = len(lists)
			index[qid] = i
			lists = append(lists, RunList{QueryID: qid})
		}
		lists[i].DocIDs = append(lists[i].DocIDs, fields[2])
		return nil
	})
	if err != nil {
		return nil, err
	}
	return lists, nil
}

// LoadTopics reads a topic file from disk.
func LoadTopics(path string) ([]Topic, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeNotFound, "opening topics", err)
	}
	defer f.Close()
	return ParseTopics(f, path)
}

// ParseTopics parses an XML topic set:
//
//	<topics><topic number="1"><query>text</query></topic></topics>
func ParseTopics(r io.Reader, source string) ([]Topic, error) {
	var set topicSet
	if err := xml.NewDecoder(r).Decode(&set); err != nil {
		return nil, apperrors.MalformedInputError(source, 0, "invalid topic XML: "+err.Error())
	}

	for i := range set.Topics {
		set.Topics[i].Number = strings.TrimSpace(set.Topics[i].Number)
		set.Topics[i].Query = strings.TrimSpace(set.Topics[i].Query)
		if set.Topics[i].Number == "" {
			return nil, apperrors.MalformedInputError(source, 0,
				fmt.Sprintf("topic %d has no number attribute", i+1))
		}
	}
	return set.Topics, nil
}

func scanFields(r io.Reader, source string, fn func(line int, fields []string) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		if err := fn(line, strings.Fields(text)); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return apperrors.MalformedInputError(source, line, "reading input: "+err.Error())
	}
	return nil
}
