// Package ros reads ROS bags and converts their IMU and odometry messages into fusion records.
package ros

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/edaniels/gobag/rosbag"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.viam.com/utils"
)

// ReadBag reads the contents of a rosbag into a gobag data structure.
func ReadBag(filename string) (*rosbag.RosBag, error) {
	//nolint:gosec
	f, err := os.Open(filename)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open input file")
	}
	defer utils.UncheckedErrorFunc(f.Close)

	rb := rosbag.NewRosBag()

	if err := rb.Read(f); err != nil {
		return nil, errors.Wrapf(err, "unable to create ros bag, error")
	}

	return rb, nil
}

// TopicKey is the key gobag files the JSON of a topic under: lower case, without the leading slash
// and with the remaining slashes replaced by underscores.
func TopicKey(topic string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimPrefix(topic, "/"), "/", "_"))
}

// WriteTopicsJSON writes the messages of the given topics (all topics if empty) to w as JSON lines.
func WriteTopicsJSON(rb *rosbag.RosBag, w io.Writer, topics []string) error {
	topicFilter := func(string) bool { return true }
	if len(topics) != 0 {
		wanted := lo.SliceToMap(topics, func(topic string) (string, bool) { return topic, true })
		topicFilter = func(topic string) bool {
			return wanted[topic]
		}
	}

	if err := rb.ParseTopicsToJSON("", func(int64) bool { return true }, topicFilter, true); err != nil {
		return errors.Wrapf(err, "error while parsing bag to JSON")
	}
	if len(topics) == 0 {
		topics = lo.Keys(rb.TopicsAsJSON)
		sort.Strings(topics)
	}
	for _, topic := range topics {
		key := TopicKey(topic)
		msgs, ok := rb.TopicsAsJSON[key]
		if !ok {
			continue
		}
		if _, err := msgs.WriteTo(w); err != nil {
			return err
		}
		delete(rb.TopicsAsJSON, key)
	}
	return nil
}

// AllMessagesForTopic returns all messages for a specific topic in the ros bag.
func AllMessagesForTopic(rb *rosbag.RosBag, topic string) ([]map[string]interface{}, error) {
	if err := rb.ParseTopicsToJSON(
		"",
		func(int64) bool { return true },
		func(t string) bool { return t == topic },
		false,
	); err != nil {
		return nil, errors.Wrapf(err, "error while parsing bag to JSON")
	}

	key := TopicKey(topic)
	msgs := rb.TopicsAsJSON[key]
	if msgs == nil {
		return nil, errors.Errorf("no messages for topic %s", topic)
	}
	defer delete(rb.TopicsAsJSON, key)

	return decodeLines(msgs)
}

// decodeLines decodes one JSON object per line.
func decodeLines(r interface{ ReadBytes(byte) ([]byte, error) }) ([]map[string]interface{}, error) {
	all := []map[string]interface{}{}

	for {
		data, err := r.ReadBytes('\n')
		if len(bytes.TrimSpace(data)) != 0 {
			message := map[string]interface{}{}
			if err := json.Unmarshal(data, &message); err != nil {
				return nil, err
			}
			all = append(all, message)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
	}

	return all, nil
}
