// Command spider crawls a set of seed URLs, extracting and following links
// found on each page, and forwards every fetched page's results onto a
// message queue.
package main

import (
	"encoding/json"
	"flag"
	"log"
	"os"

	"github.com/codepr/spider/crawler"
	"github.com/codepr/spider/crawler/fetcher"
	"github.com/codepr/spider/messaging"
	"github.com/codepr/spider/web"
)

func main() {
	var (
		amqpURL      = flag.String("amqp-url", "", "AMQP broker URL; when empty, results are logged instead of queued")
		amqpExchange = flag.String("amqp-exchange", "spider.results", "AMQP exchange to publish results to")
		amqpQueue    = flag.String("amqp-queue", "spider.results", "AMQP queue bound to the exchange")
	)
	flag.Parse()

	seeds := flag.Args()
	if len(seeds) == 0 {
		log.Fatal("usage: spider [flags] url [url...]")
	}

	var producer messaging.Producer
	if *amqpURL != "" {
		q, err := messaging.NewAMQPQueue(*amqpURL, *amqpExchange, *amqpQueue, *amqpQueue)
		if err != nil {
			log.Fatalf("unable to connect to AMQP broker: %v", err)
		}
		defer q.Close()
		producer = q
	} else {
		producer = loggingProducer{logger: log.New(os.Stderr, "results: ", log.LstdFlags)}
	}

	parser := fetcher.NewGoqueryParser()
	parser.ExcludeExtensions(".png", ".jpg", ".jpeg", ".gif", ".css", ".js", ".pdf", ".zip")

	handler := crawler.DocumentHandlerFunc(func(e *crawler.Engine, resp *web.Response) {
		links, err := parser.Parse(resp.URL().String(), resp.Body())
		if err != nil {
			return
		}
		e.AddTask(links...)

		payload, err := json.Marshal(crawler.ParsedResult{URL: resp.URL().String(), Links: links})
		if err != nil {
			return
		}
		if err := producer.Produce(payload); err != nil {
			log.Println("unable to publish crawl result:", err)
		}
	})

	engine := crawler.NewFromEnv(crawler.WithDocumentHandler(handler))
	engine.Start(seeds...)
}

// loggingProducer is the zero-configuration fallback Producer, used when no
// AMQP broker is configured so the command stays runnable out of the box.
type loggingProducer struct {
	logger *log.Logger
}

func (p loggingProducer) Produce(data []byte) error {
	p.logger.Println(string(data))
	return nil
}
