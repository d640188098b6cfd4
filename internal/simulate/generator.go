package simulate

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/google/uuid"

	"github.com/okian/irtengine/internal/domain/model"
)

// Ranges the synthetic item parameters are drawn from.
const (
	minBankDifficulty     = -2.5
	maxBankDifficulty     = 2.5
	minBankDiscrimination = 0.7
	maxBankDiscrimination = 2.0

	// maxTrueTheta keeps simulated abilities inside the estimator's range.
	maxTrueTheta = 2.5
)

// simNamespace scopes the name-based student and response ids.
var simNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("irtengine/simulate"))

// bank draws the item catalog for cfg. Numeric and four-option MCQ items
// alternate within each topic. The same seed always yields the same bank.
func bank(cfg Config) ([]model.Item, error) {
	var seed [32]byte
	binary.LittleEndian.PutUint64(seed[:], cfg.Seed)
	src := rand.NewChaCha8(seed)
	rng := rand.New(src)

	items := make([]model.Item, 0, len(cfg.Topics)*cfg.ItemsPerTopic)
	for _, topic := range cfg.Topics {
		for i := range cfg.ItemsPerTopic {
			id, err := uuid.NewRandomFromReader(src)
			if err != nil {
				return nil, fmt.Errorf("item id: %w", err)
			}
			it := model.Item{
				ID:             id.String(),
				TopicKey:       topic,
				Difficulty:     round3(uniform(rng, minBankDifficulty, maxBankDifficulty)),
				Discrimination: round3(uniform(rng, minBankDiscrimination, maxBankDiscrimination)),
				Active:         true,
			}
			if i%2 == 0 {
				it.Format, it.Answer = model.FormatNumeric, "1"
			} else {
				it.Format, it.Answer, it.OptionCount = model.FormatMCQ, "A", 4
				it.Guessing = model.DefaultGuessing(model.FormatMCQ, 4)
			}
			items = append(items, it)
		}
	}
	return items, nil
}

// student is one simulated learner with a fixed true ability.
type student struct {
	id    string
	theta float64
	rng   *rand.Rand
}

// newStudent derives student i of a run from the seed alone, so results do
// not depend on how students are spread over workers.
func newStudent(seed uint64, i int) student {
	rng := rand.New(rand.NewPCG(seed, uint64(i)+1))
	theta := math.Max(-maxTrueTheta, math.Min(maxTrueTheta, rng.NormFloat64()))
	return student{
		id:    uuid.NewSHA1(simNamespace, fmt.Appendf(nil, "student/%d/%d", seed, i)).String(),
		theta: theta,
		rng:   rng,
	}
}

// responseID is stable per student and question: rerunning a seed against
// the same store is answered with duplicates.
func (s student) responseID(question int) string {
	return uuid.NewSHA1(simNamespace, fmt.Appendf(nil, "response/%s/%d", s.id, question)).String()
}

// answers draws whether the student answers it correctly under the 3PL model.
func (s student) answers(it model.Item) (bool, error) {
	p, err := it.Probability(s.theta)
	if err != nil {
		return false, err
	}
	return s.rng.Float64() < p, nil
}

func uniform(rng *rand.Rand, lo, hi float64) float64 {
	return lo + rng.Float64()*(hi-lo)
}

func round3(x float64) float64 {
	return math.Round(x*1000) / 1000
}
